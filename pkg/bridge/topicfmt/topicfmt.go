// Copyright 2024-2026 Aiku AI

// Package topicfmt sanitizes room and channel topics crossing the bridge.
// The two platforms use incompatible rich-text encodings: Matrix topics may
// carry HTML, Mattermost headers carry markdown with angle-bracket link
// wrapping and HTML entity encoding. Topics are forwarded as plain text, so
// both directions strip markup rather than translating it.
package topicfmt

import (
	"html"
	"regexp"
	"strings"
)

var (
	// <http://example.com|label> and <http://example.com> style wrapping.
	labeledLinkRe = regexp.MustCompile(`<([a-z]+://[^|>]+)\|([^>]+)>`)
	bareLinkRe    = regexp.MustCompile(`<([a-z]+://[^>]+)>`)
	// [label](url) markdown links.
	mdLinkRe = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	// <a href="url">label</a> and any remaining HTML tags.
	anchorRe = regexp.MustCompile(`<a\s+href="[^"]*"[^>]*>(.*?)</a>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
)

// CleanChannelTopic converts a Mattermost channel header to plain text
// suitable for a Matrix room topic.
func CleanChannelTopic(topic string) string {
	topic = labeledLinkRe.ReplaceAllString(topic, "$2")
	topic = bareLinkRe.ReplaceAllString(topic, "$1")
	topic = mdLinkRe.ReplaceAllString(topic, "$1")
	topic = html.UnescapeString(topic)
	return strings.TrimSpace(topic)
}

// CleanRoomTopic converts a Matrix room topic to plain text suitable for a
// Mattermost channel header.
func CleanRoomTopic(topic string) string {
	topic = anchorRe.ReplaceAllString(topic, "$1")
	topic = tagRe.ReplaceAllString(topic, "")
	topic = html.UnescapeString(topic)
	return strings.TrimSpace(topic)
}
