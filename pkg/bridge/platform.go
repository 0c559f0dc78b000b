// Copyright 2024-2026 Aiku AI

package bridge

import "context"

// RoomPlatform is the Matrix-side collaborator contract. The reconciler holds
// a reference to an implementation; it never embeds platform behavior itself.
type RoomPlatform interface {
	// CreateRoom creates a bare private room and returns its ID.
	CreateRoom(ctx context.Context) (roomID string, err error)
	// ResolveAlias returns the room ID for an alias, or ErrNotFound.
	ResolveAlias(ctx context.Context, alias string) (roomID string, err error)
	JoinRoom(ctx context.Context, roomID string) error
	JoinedRooms(ctx context.Context) ([]string, error)
	JoinedMembers(ctx context.Context, roomID string) ([]string, error)

	// SetPublic makes the room publicly joinable with world-readable history.
	SetPublic(ctx context.Context, roomID string) error
	AddAlias(ctx context.Context, roomID, alias string) error
	SetCanonicalAlias(ctx context.Context, roomID, alias string) error
	SetRoomName(ctx context.Context, roomID, name string) error
	RoomName(ctx context.Context, roomID string) (string, error)
	SetRoomTopic(ctx context.Context, roomID, topic string) error
	RoomTopic(ctx context.Context, roomID string) (string, error)
	SetRoomAvatar(ctx context.Context, roomID, avatarURL string) error

	InviteUser(ctx context.Context, roomID, userID string) error
	SetUserLevel(ctx context.Context, roomID, userID string, level int) error
	// SetDefaultEventLevel sets the power level required to post.
	SetDefaultEventLevel(ctx context.Context, roomID string, level int) error
	DefaultEventLevel(ctx context.Context, roomID string) (int, error)
	// SetAtRoomLevel sets the power level required for @room notifications.
	SetAtRoomLevel(ctx context.Context, roomID string, level int) error

	// AddRoomToSpace adds the room to the configured space, the grouping
	// mechanism on the Matrix side. No-op if no space is configured.
	AddRoomToSpace(ctx context.Context, roomID string) error
	SpaceRooms(ctx context.Context) ([]string, error)
	SpaceMembers(ctx context.Context) ([]string, error)

	CreateDirectRoom(ctx context.Context, userID string) (roomID string, err error)
	SendNotice(ctx context.Context, roomID, text string) error

	// UserID is the engine's own account on this platform.
	UserID() string
}

// ChannelInfo is the channel metadata the engine cares about.
type ChannelInfo struct {
	ID          string
	Name        string // URL slug
	DisplayName string
	Topic       string
	Archived    bool
}

// ChannelPlatform is the Mattermost-side collaborator contract.
type ChannelPlatform interface {
	CreateChannel(ctx context.Context, name, displayName, topic string) (channelID string, err error)
	RenameChannel(ctx context.Context, channelID, name, displayName string) error
	SetChannelTopic(ctx context.Context, channelID, topic string) error
	ChannelInfo(ctx context.Context, channelID string) (*ChannelInfo, error)
	// ListChannels returns all channels in the team, including archived ones.
	ListChannels(ctx context.Context) ([]ChannelInfo, error)
	ChannelMembers(ctx context.Context, channelID string) ([]string, error)
	AddChannelMember(ctx context.Context, channelID, userID string) error
	ArchiveChannel(ctx context.Context, channelID string) error
	UnarchiveChannel(ctx context.Context, channelID string) error
	OpenDirectChannel(ctx context.Context, userID string) (channelID string, err error)
	PostMessage(ctx context.Context, channelID, text string) error
	LookupUserID(ctx context.Context, username string) (string, error)
	ListUsers(ctx context.Context) ([]string, error)

	// BotUserID is the engine's own account on this platform.
	BotUserID() string
}
