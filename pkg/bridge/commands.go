// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
)

// CreateLinkedPair creates a room and a channel for the given canonical name
// and brings them into sync. This is the programmatic equivalent of the
// "create room" command; the command layer owns parsing and passes the
// result here.
func (r *Reconciler) CreateLinkedPair(ctx context.Context, name, topic string, isPublic bool, status StatusFunc) (roomID, channelID string, err error) {
	log := r.log.With().Str("canonical_name", name).Logger()
	status.report("Creating room, please wait, this takes a little while...")

	unlock := r.lockLink(ctx, PlatformMatrix, name)
	defer unlock()

	releaseRoom := r.guard.LockCreation(PlatformMatrix)
	roomID, err = r.rooms.CreateRoom(ctx)
	releaseRoom()
	if err != nil {
		return "", "", fmt.Errorf("failed to create room: %w", err)
	}

	// Visibility is applied before linking so a private room is never
	// briefly joinable by template-guessing.
	if isPublic {
		r.configureRoomPreBridge(ctx, roomID, log, status)
	}

	release := r.guard.LockCreation(PlatformMattermost)
	channelID, err = r.channels.CreateChannel(ctx, Slugify(name), name, topic)
	release()
	if err != nil {
		return "", "", fmt.Errorf("failed to create channel: %w", err)
	}

	if err := r.linkPair(ctx, roomID, channelID, name, log, status); err != nil {
		return "", "", err
	}

	r.configureRoomPostBridge(ctx, roomID, name, topic, log, status)

	if topic != "" {
		release := r.guard.LockRename(PlatformMattermost)
		err := withRetry(ctx, log, "set channel topic", func() error {
			return r.channels.SetChannelTopic(ctx, channelID, topic)
		})
		release()
		if err != nil {
			log.Err(err).Msg("Could not set channel topic")
		}
	}

	alias := FormatName(r.cfg.CanonicalAliasTemplate(), name)
	status.report(fmt.Sprintf("Created a new room: %s", alias))
	r.announceNewRoom(ctx, name, topic)
	return roomID, channelID, nil
}

// BridgeAll sweeps every channel in the workspace and bridges the ones not
// processed before. Repeated sweeps are incremental: already-seen channels
// are skipped, archived channels are recorded as seen without a peer room,
// and revisited links only receive additive writes.
func (r *Reconciler) BridgeAll(ctx context.Context, status StatusFunc) error {
	channels, err := r.channels.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}

	bridged := 0
	for _, info := range channels {
		seen, err := r.store.IsChannelSeen(ctx, info.ID)
		if err != nil {
			return err
		}
		if seen {
			continue
		}

		if info.Archived {
			r.log.Debug().Str("channel_id", info.ID).Msg("Skipping archived channel in sweep")
			if err := r.store.MarkChannelSeen(ctx, info.ID); err != nil {
				return err
			}
			continue
		}

		unlock := r.lockLink(ctx, PlatformMattermost, info.ID)
		err = r.bridgeChannel(ctx, info, status)
		unlock()
		if err != nil {
			r.log.Err(err).Str("channel_id", info.ID).Msg("Failed to bridge channel, skipping")
			status.report(fmt.Sprintf("ERROR: could not bridge channel %s, skipping", info.DisplayName))
			continue
		}
		if err := r.store.MarkChannelSeen(ctx, info.ID); err != nil {
			return err
		}
		bridged++
		status.report(fmt.Sprintf("Finished adding room %s", info.DisplayName))
	}

	if bridged > 0 {
		status.report("Finished adding all rooms.")
	}
	return nil
}

// InviteAll invites a user to every room currently in the configured space.
func (r *Reconciler) InviteAll(ctx context.Context, userID string) error {
	rooms, err := r.rooms.SpaceRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list space rooms: %w", err)
	}
	for _, roomID := range rooms {
		if err := r.rooms.InviteUser(ctx, roomID, userID); err != nil {
			r.log.Warn().Err(err).Str("room_id", roomID).Str("user_id", userID).Msg("Failed to invite user")
		}
	}
	return nil
}

// SetAutoInvite switches automatic invitations to future rooms on or off for
// a user and returns the user-facing result text.
func (r *Reconciler) SetAutoInvite(ctx context.Context, userID string, enabled bool) (string, error) {
	changed, err := r.store.SetAutoInvite(ctx, userID, enabled)
	if err != nil {
		return "", err
	}
	switch {
	case enabled && !changed:
		return "You already have autoinvite enabled.", nil
	case enabled:
		return "You will be invited to all future rooms. Use inviteall to get invites to existing rooms.", nil
	case !changed:
		return "You do not have autoinvite enabled.", nil
	default:
		return "Autoinvite disabled.", nil
	}
}

// ArchiveRoom archives a linked pair starting from the room side: the
// channel is archived first, then the room-side archive sub-flow runs.
func (r *Reconciler) ArchiveRoom(ctx context.Context, roomID string, status StatusFunc) error {
	unlock := r.lockLink(ctx, PlatformMatrix, roomID)
	defer unlock()

	link, err := r.store.GetLinkByRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if link.ChannelID != "" {
		if err := withRetry(ctx, r.log, "archive channel", func() error {
			return r.channels.ArchiveChannel(ctx, link.ChannelID)
		}); err != nil {
			r.log.Err(err).Str("channel_id", link.ChannelID).Msg("Failed to archive channel, continuing")
			status.report("ERROR: could not archive the channel side")
		}
	}
	return r.archiveRoom(ctx, link, status)
}

// UnarchiveRoom reverses ArchiveRoom for the room side and attempts to
// restore and relink the channel side when a channel with the matching slug
// still exists in archived state.
func (r *Reconciler) UnarchiveRoom(ctx context.Context, roomID string, status StatusFunc) error {
	unlock := r.lockLink(ctx, PlatformMatrix, roomID)
	defer unlock()

	link, err := r.store.GetLinkByRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if err := r.unarchiveRoom(ctx, link, status); err != nil {
		return err
	}

	slug := Slugify(link.CanonicalName)
	channels, err := r.channels.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}
	for _, info := range channels {
		if info.Name != slug {
			continue
		}
		if info.Archived {
			if err := withRetry(ctx, r.log, "unarchive channel", func() error {
				return r.channels.UnarchiveChannel(ctx, info.ID)
			}); err != nil {
				r.log.Err(err).Str("channel_id", info.ID).Msg("Failed to restore channel")
				status.report("ERROR: could not restore the channel side")
				return nil
			}
		}
		if err := r.store.PutLink(ctx, link.RoomID, info.ID, link.CanonicalName); err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return fmt.Errorf("failed to relink channel: %w", err)
		}
		return nil
	}
	status.report("No matching channel found; the link will be re-established when the channel is recreated.")
	return nil
}

// WelcomeAll sends the welcome message to every member of the configured
// space and every user in the workspace.
func (r *Reconciler) WelcomeAll(ctx context.Context) error {
	members, err := r.rooms.SpaceMembers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list space members: %w", err)
	}
	for _, userID := range members {
		if userID == r.rooms.UserID() {
			continue
		}
		if err := r.WelcomeUser(ctx, userID); err != nil {
			r.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to welcome user")
		}
	}

	users, err := r.channels.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list channel platform users: %w", err)
	}
	for _, userID := range users {
		if userID == r.channels.BotUserID() {
			continue
		}
		if err := r.welcomeChannelUser(ctx, userID); err != nil {
			r.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to welcome channel user")
		}
	}
	return nil
}

// WelcomeUser sends the welcome message to a Matrix user in their recorded
// 1:1 room, creating one if needed.
func (r *Reconciler) WelcomeUser(ctx context.Context, userID string) error {
	if r.cfg.Bridge.WelcomeMessage == "" {
		return nil
	}
	roomID, err := r.store.DirectRoom(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		roomID, err = r.rooms.CreateDirectRoom(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to create direct room: %w", err)
		}
		if err := r.store.SetDirectRoom(ctx, userID, roomID); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return r.rooms.SendNotice(ctx, roomID, r.cfg.Bridge.WelcomeMessage)
}

func (r *Reconciler) welcomeChannelUser(ctx context.Context, userID string) error {
	if r.cfg.Bridge.WelcomeMessage == "" {
		return nil
	}
	channelID, err := r.channels.OpenDirectChannel(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to open direct channel: %w", err)
	}
	return r.channels.PostMessage(ctx, channelID, r.cfg.Bridge.WelcomeMessage)
}

// Links returns every persisted link for the admin API.
func (r *Reconciler) Links(ctx context.Context) ([]*Link, error) {
	return r.store.AllLinks(ctx)
}
