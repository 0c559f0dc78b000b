// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// bridgeChannel brings a Mattermost channel and a Matrix room into sync for
// the first time: it finds or creates the room, links the pair, and runs the
// provisioning pipeline. The canonical name is derived from the channel's
// display name.
func (r *Reconciler) bridgeChannel(ctx context.Context, info ChannelInfo, status StatusFunc) error {
	canonical := info.DisplayName
	if canonical == "" {
		canonical = info.Name
	}
	log := r.log.With().Str("channel_id", info.ID).Str("canonical_name", canonical).Logger()

	roomID, err := r.joinOrCreateRoom(ctx, canonical)
	if err != nil {
		return fmt.Errorf("failed to find or create room: %w", err)
	}

	if r.cfg.Bridge.MakePublic {
		r.configureRoomPreBridge(ctx, roomID, log, status)
	}

	if err := r.linkPair(ctx, roomID, info.ID, canonical, log, status); err != nil {
		return err
	}

	r.configureRoomPostBridge(ctx, roomID, canonical, info.Topic, log, status)
	r.announceNewRoom(ctx, canonical, info.Topic)
	return nil
}

// bridgeRoom is the Matrix-originated mirror of bridgeChannel: the room
// exists, the channel does not.
func (r *Reconciler) bridgeRoom(ctx context.Context, roomID, name, topic string, status StatusFunc) error {
	log := r.log.With().Str("room_id", roomID).Str("canonical_name", name).Logger()

	release := r.guard.LockCreation(PlatformMattermost)
	channelID, err := r.channels.CreateChannel(ctx, Slugify(name), name, topic)
	release()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if r.cfg.Bridge.MakePublic {
		r.configureRoomPreBridge(ctx, roomID, log, status)
	}

	if err := r.linkPair(ctx, roomID, channelID, name, log, status); err != nil {
		return err
	}

	r.configureRoomPostBridge(ctx, roomID, name, topic, log, status)
	r.announceNewRoom(ctx, name, topic)
	return nil
}

// joinOrCreateRoom tests all configured alias templates for an existing room
// and joins it, or creates a bare room when none matches. Creation happens
// under the Matrix creation lock so the echoed events are suppressed.
func (r *Reconciler) joinOrCreateRoom(ctx context.Context, canonical string) (string, error) {
	for _, tpl := range r.cfg.Bridge.RoomAliasTemplates {
		alias := FormatName(tpl, canonical)
		roomID, err := r.rooms.ResolveAlias(ctx, alias)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return "", err
		}
		joined, err := r.rooms.JoinedRooms(ctx)
		if err != nil {
			return "", err
		}
		for _, j := range joined {
			if j == roomID {
				return roomID, nil
			}
		}
		if err := r.rooms.JoinRoom(ctx, roomID); err != nil {
			return "", err
		}
		return roomID, nil
	}

	release := r.guard.LockCreation(PlatformMatrix)
	defer release()
	return r.rooms.CreateRoom(ctx)
}

// configureRoomPreBridge applies visibility and history settings before the
// link exists, so there is no window where a private room is joinable by
// template-guessing.
func (r *Reconciler) configureRoomPreBridge(ctx context.Context, roomID string, log zerolog.Logger, status StatusFunc) {
	if err := withRetry(ctx, log, "make room public", func() error {
		return r.rooms.SetPublic(ctx, roomID)
	}); err != nil {
		log.Err(err).Msg("Could not make room publicly joinable")
		status.report("ERROR: could not make room publicly joinable")
	}
}

// linkPair persists the link and invites the relay bots to both sides so
// message relay can begin. A conflict from the store is surfaced; bot invite
// failures are reported but not fatal.
func (r *Reconciler) linkPair(ctx context.Context, roomID, channelID, canonical string, log zerolog.Logger, status StatusFunc) error {
	if err := r.store.PutLink(ctx, roomID, channelID, canonical); err != nil {
		return fmt.Errorf("failed to persist link: %w", err)
	}

	if botMXID := r.cfg.Matrix.AppserviceBotMXID; botMXID != "" {
		if err := withRetry(ctx, log, "invite appservice bot", func() error {
			return r.rooms.InviteUser(ctx, roomID, botMXID)
		}); err != nil {
			log.Err(err).Msg("Could not invite appservice bot")
			status.report("ERROR: could not invite appservice bot, message relay will not work")
		}
	}

	if botName := r.cfg.Mattermost.EventBotUsername; botName != "" {
		if err := withRetry(ctx, log, "invite channel event bot", func() error {
			botID, err := r.channels.LookupUserID(ctx, botName)
			if err != nil {
				return err
			}
			return r.channels.AddChannelMember(ctx, channelID, botID)
		}); err != nil {
			log.Err(err).Msg("Could not invite channel event bot")
			status.report("ERROR: could not invite event bot to channel")
		}
	}
	return nil
}

// configureRoomPostBridge applies the ordered post-link configuration:
// aliases, display name, avatar, topic, space membership, invites, admin
// power levels, and the optional @room downgrade. Aliasing precedes
// name-setting because the platform derives a default name from the alias
// when no name is set. Step failures are logged, reported, and skipped; the
// link stays in whatever partial state it reached and later sweeps recover
// it through idempotent re-entry.
func (r *Reconciler) configureRoomPostBridge(ctx context.Context, roomID, canonical, topic string, log zerolog.Logger, status StatusFunc) {
	opts, err := r.store.GetOptions(ctx, roomID)
	if err != nil {
		log.Err(err).Msg("Failed to load room options, using defaults")
	}

	for _, tpl := range r.cfg.Bridge.RoomAliasTemplates {
		alias := FormatName(tpl, canonical)
		if err := withRetry(ctx, log, "add alias", func() error {
			return r.rooms.AddAlias(ctx, roomID, alias)
		}); err != nil {
			log.Err(err).Str("alias", alias).Msg("Could not add alias")
		}
	}
	canonicalAlias := FormatName(r.cfg.CanonicalAliasTemplate(), canonical)
	if err := withRetry(ctx, log, "set canonical alias", func() error {
		return r.rooms.SetCanonicalAlias(ctx, roomID, canonicalAlias)
	}); err != nil {
		log.Err(err).Msg("Could not set canonical alias")
	}

	// "general" keeps its platform default name, matching the channel-side
	// default channel. Re-entry on an already-configured link skips the
	// write when the name is already correct.
	if !opts.SkipRoomName && canonical != "general" {
		wantName := FormatName(r.cfg.Bridge.RoomNameTemplate, canonical)
		current, nameErr := r.rooms.RoomName(ctx, roomID)
		if nameErr != nil || current != wantName {
			release := r.guard.LockRename(PlatformMatrix)
			err := withRetry(ctx, log, "set room name", func() error {
				return r.rooms.SetRoomName(ctx, roomID, wantName)
			})
			release()
			if err != nil {
				log.Err(err).Msg("Could not set room name")
				status.report("ERROR: could not set room name")
			}
		}
	}

	if url := r.cfg.Bridge.RoomAvatarURL; url != "" {
		if err := withRetry(ctx, log, "set room avatar", func() error {
			return r.rooms.SetRoomAvatar(ctx, roomID, url)
		}); err != nil {
			log.Err(err).Msg("Could not set room avatar")
		}
	}

	if !opts.SkipRoomDescription && topic != "" {
		release := r.guard.LockRename(PlatformMatrix)
		err := withRetry(ctx, log, "set room topic", func() error {
			return r.rooms.SetRoomTopic(ctx, roomID, topic)
		})
		release()
		if err != nil {
			log.Err(err).Msg("Could not set room topic")
		}
	}

	if err := withRetry(ctx, log, "add room to space", func() error {
		return r.rooms.AddRoomToSpace(ctx, roomID)
	}); err != nil {
		log.Err(err).Msg("Could not add room to space")
	}

	autoinvite, err := r.store.AutoInviteUsers(ctx)
	if err != nil {
		log.Err(err).Msg("Failed to load autoinvite users")
	}
	invitees := make([]string, 0, len(r.cfg.Bridge.UsersToInvite)+len(r.cfg.Bridge.UsersAsAdmin)+len(autoinvite))
	invitees = append(invitees, r.cfg.Bridge.UsersToInvite...)
	invitees = append(invitees, r.cfg.Bridge.UsersAsAdmin...)
	invitees = append(invitees, autoinvite...)
	for _, user := range invitees {
		if err := withRetry(ctx, log, "invite user", func() error {
			return r.rooms.InviteUser(ctx, roomID, user)
		}); err != nil {
			log.Err(err).Str("user_id", user).Msg("Could not invite user")
		}
	}

	for _, user := range r.cfg.Bridge.UsersAsAdmin {
		if err := withRetry(ctx, log, "set admin level", func() error {
			return r.rooms.SetUserLevel(ctx, roomID, user, 100)
		}); err != nil {
			log.Err(err).Str("user_id", user).Msg("Could not make user admin")
		}
	}

	if r.cfg.Bridge.AllowAtRoom {
		if err := withRetry(ctx, log, "allow @room", func() error {
			return r.rooms.SetAtRoomLevel(ctx, roomID, 0)
		}); err != nil {
			log.Err(err).Msg("Could not lower @room notification level")
		}
	}
}

// archiveRoom runs the archive sub-flow: lower the default posting level,
// prefix the display name with the archive marker, persist the flag, and
// unlink the channel side. A no-op when the room is already archived.
func (r *Reconciler) archiveRoom(ctx context.Context, link *Link, status StatusFunc) error {
	log := r.log.With().Str("room_id", link.RoomID).Logger()

	opts, err := r.store.GetOptions(ctx, link.RoomID)
	if err != nil {
		return err
	}
	if opts.IsArchived {
		log.Debug().Msg("Room already archived, nothing to do")
		return nil
	}

	if err := withRetry(ctx, log, "lower posting level", func() error {
		return r.rooms.SetDefaultEventLevel(ctx, link.RoomID, 50)
	}); err != nil {
		log.Err(err).Msg("Could not lower posting level")
		status.report("ERROR: could not restrict posting in archived room")
	}

	name, err := r.rooms.RoomName(ctx, link.RoomID)
	if err != nil {
		log.Err(err).Msg("Could not read room name for archive marker")
	} else if !strings.HasPrefix(name, r.cfg.Bridge.ArchivePrefix) {
		release := r.guard.LockRename(PlatformMatrix)
		err := withRetry(ctx, log, "set archived name", func() error {
			return r.rooms.SetRoomName(ctx, link.RoomID, r.cfg.Bridge.ArchivePrefix+name)
		})
		release()
		if err != nil {
			log.Err(err).Msg("Could not set archived room name")
		}
	}

	if err := r.store.SetOption(ctx, link.RoomID, OptionIsArchived, true); err != nil {
		return err
	}
	return r.store.MarkArchived(ctx, link.RoomID)
}

// unarchiveRoom reverses the archive sub-flow's permission change and clears
// the flag. A no-op when the room is not archived. The channel-side link is
// re-established by new-channel handling, not here.
func (r *Reconciler) unarchiveRoom(ctx context.Context, link *Link, status StatusFunc) error {
	log := r.log.With().Str("room_id", link.RoomID).Logger()

	opts, err := r.store.GetOptions(ctx, link.RoomID)
	if err != nil {
		return err
	}
	if !opts.IsArchived {
		log.Debug().Msg("Room is not archived, nothing to do")
		return nil
	}

	if err := withRetry(ctx, log, "restore posting level", func() error {
		return r.rooms.SetDefaultEventLevel(ctx, link.RoomID, 0)
	}); err != nil {
		log.Err(err).Msg("Could not restore posting level")
		status.report("ERROR: could not restore posting in room")
	}

	name, err := r.rooms.RoomName(ctx, link.RoomID)
	if err != nil {
		log.Err(err).Msg("Could not read room name to strip archive marker")
	} else if strings.HasPrefix(name, r.cfg.Bridge.ArchivePrefix) {
		release := r.guard.LockRename(PlatformMatrix)
		err := withRetry(ctx, log, "strip archived name", func() error {
			return r.rooms.SetRoomName(ctx, link.RoomID, strings.TrimPrefix(name, r.cfg.Bridge.ArchivePrefix))
		})
		release()
		if err != nil {
			log.Err(err).Msg("Could not strip archive marker from room name")
		}
	}

	if err := r.store.SetOption(ctx, link.RoomID, OptionIsArchived, false); err != nil {
		return err
	}
	return r.store.UnmarkArchived(ctx, link.RoomID)
}

// announceNewRoom posts a notice about a freshly bridged pair to the
// configured announcement room.
func (r *Reconciler) announceNewRoom(ctx context.Context, canonical, topic string) {
	if r.cfg.Bridge.AnnounceRoom == "" {
		return
	}
	alias := FormatName(r.cfg.CanonicalAliasTemplate(), canonical)
	text := fmt.Sprintf("Created a new room: %s", alias)
	if topic != "" {
		text += fmt.Sprintf(" (%s)", topic)
	}
	if err := r.rooms.SendNotice(ctx, r.cfg.Bridge.AnnounceRoom, text); err != nil {
		r.log.Err(err).Msg("Failed to announce new room")
	}
}
