// Copyright 2024-2026 Aiku AI

// Package bridge keeps Matrix rooms and Mattermost channels synchronized as
// linked pairs. Creating, renaming, retopicing, archiving or restoring an
// entity on one platform is mirrored onto its peer, with a durable SQLite
// identity store as the source of truth for which room maps to which channel
// and what the pair's canonical human name is.
//
// # Core Types
//
// [Reconciler] is the single entry point for lifecycle events from both
// platforms. It owns the loop guard, serializes work per link, and drives
// either the provisioning pipeline (for new entities) or targeted
// single-field mirror writes.
//
// [Store] is the identity mapping plus the auxiliary sets: per-room option
// flags, the direct-message index used for one-time welcomes, the seen set
// for incremental bulk sweeps, and the autoinvite roster.
//
// [MatrixClient] and [MattermostClient] adapt the two platforms to the
// [RoomPlatform] and [ChannelPlatform] contracts and translate native events
// into the lifecycle [Event] variants.
//
// [AdminAPI] exposes the command surface (pair creation, bulk bridging,
// invites, archive control) over HTTP.
//
// # Echo Prevention
//
// Mirror writes echo back from the peer platform as events of their own.
// Three layers keep that from looping: the adapters drop events sent by the
// engine's own account, the loop guard drops events observed while a
// creation or metadata write is in flight on their platform, and the
// reconciler drops renames whose extracted canonical name matches the stored
// one. These layers must not be simplified or removed.
//
// # Sub-packages
//
//   - topicfmt strips platform-specific link markup when topics cross the
//     bridge.
package bridge
