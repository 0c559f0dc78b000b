// Copyright 2024-2026 Aiku AI

package bridge

import "context"

// Platform identifies which side of the bridge an event or entity belongs to.
type Platform string

const (
	// PlatformMatrix is the federated, room-based side. Entities are rooms
	// addressed by opaque room IDs ("!abc:example.com").
	PlatformMatrix Platform = "matrix"
	// PlatformMattermost is the workspace, channel-based side. Entities are
	// channels addressed by opaque channel IDs.
	PlatformMattermost Platform = "mattermost"
)

// Peer returns the opposite platform.
func (p Platform) Peer() Platform {
	if p == PlatformMatrix {
		return PlatformMattermost
	}
	return PlatformMatrix
}

// EventSink receives lifecycle events from the platform adapters. The
// Reconciler is the production implementation; tests inject recorders.
type EventSink interface {
	HandleEvent(ctx context.Context, evt Event)
}

// Event is a lifecycle event from either platform. The concrete types below
// form a closed set; the reconciler dispatches with an exhaustive type switch
// so that every variant has a defined handler.
type Event interface {
	isLifecycleEvent()
}

// NewEntity reports that a room or channel appeared on a platform with no
// known peer. Name is the human-readable display name, Topic may be empty.
type NewEntity struct {
	Platform Platform
	ID       string
	Name     string
	Topic    string
}

// RenameEntity reports a display name change.
type RenameEntity struct {
	Platform Platform
	ID       string
	OldName  string
	NewName  string
}

// TopicChange reports a topic/description change.
type TopicChange struct {
	Platform Platform
	ID       string
	NewTopic string
}

// ArchiveEntity reports that a room or channel was archived.
type ArchiveEntity struct {
	Platform Platform
	ID       string
}

// UnarchiveEntity reports that a previously archived room or channel was
// restored.
type UnarchiveEntity struct {
	Platform Platform
	ID       string
}

// MembershipInvite reports that the engine's own account was invited to a
// room. Only emitted by the Matrix adapter.
type MembershipInvite struct {
	Platform Platform
	RoomID   string
	Sender   string
}

func (NewEntity) isLifecycleEvent()        {}
func (RenameEntity) isLifecycleEvent()     {}
func (TopicChange) isLifecycleEvent()      {}
func (ArchiveEntity) isLifecycleEvent()    {}
func (UnarchiveEntity) isLifecycleEvent()  {}
func (MembershipInvite) isLifecycleEvent() {}
