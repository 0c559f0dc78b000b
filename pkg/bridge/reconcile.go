// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/roomsync/pkg/bridge/topicfmt"
)

// StatusFunc receives user-facing progress and failure text for the context
// that initiated an operation (a command issuer or the admin API). May be nil.
type StatusFunc func(text string)

func (f StatusFunc) report(text string) {
	if f != nil {
		f(text)
	}
}

// Reconciler is the single entry point for all inbound lifecycle events. It
// resolves the peer entity via the store, applies the loop guard, and drives
// the provisioning pipeline or a targeted single-field update. It holds
// references to the platform collaborators; it never embeds their behavior.
type Reconciler struct {
	cfg      *Config
	store    *Store
	rooms    RoomPlatform
	channels ChannelPlatform
	guard    *loopGuard
	log      zerolog.Logger

	// Handlers for the same link never run concurrently; independent links
	// may. Keys are room IDs where resolvable, raw entity IDs otherwise.
	linkMu    sync.Mutex
	linkLocks map[string]*sync.Mutex
}

// NewReconciler wires the engine together. The platform implementations are
// injected so tests can substitute spies.
func NewReconciler(cfg *Config, store *Store, rooms RoomPlatform, channels ChannelPlatform, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		store:     store,
		rooms:     rooms,
		channels:  channels,
		guard:     newLoopGuard(),
		log:       log.With().Str("component", "reconciler").Logger(),
		linkLocks: make(map[string]*sync.Mutex),
	}
}

// lockLink serializes handlers for one link. The key is the room ID when the
// entity resolves to a link, otherwise the entity's own ID.
func (r *Reconciler) lockLink(ctx context.Context, platform Platform, entityID string) func() {
	key := entityID
	if platform == PlatformMattermost {
		if roomID, err := r.store.ResolvePeer(ctx, entityID, PlatformMattermost); err == nil {
			key = roomID
		}
	}
	r.linkMu.Lock()
	m, ok := r.linkLocks[key]
	if !ok {
		m = &sync.Mutex{}
		r.linkLocks[key] = m
	}
	r.linkMu.Unlock()
	m.Lock()
	return m.Unlock
}

// HandleEvent dispatches a lifecycle event. Every variant has a defined
// action; unexpected states degrade to drop-and-log, never to a crash.
func (r *Reconciler) HandleEvent(ctx context.Context, evt Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Any("panic", p).Type("event_type", evt).Msg("Panic in event handler")
		}
	}()

	switch e := evt.(type) {
	case NewEntity:
		r.handleNewEntity(ctx, e)
	case RenameEntity:
		r.handleRename(ctx, e)
	case TopicChange:
		r.handleTopicChange(ctx, e)
	case ArchiveEntity:
		r.handleArchive(ctx, e)
	case UnarchiveEntity:
		r.handleUnarchive(ctx, e)
	case MembershipInvite:
		r.handleInvite(ctx, e)
	default:
		r.log.Warn().Type("event_type", evt).Msg("Dropping unknown event type")
	}
}

func (r *Reconciler) handleNewEntity(ctx context.Context, e NewEntity) {
	log := r.log.With().Str("platform", string(e.Platform)).Str("entity_id", e.ID).Logger()

	// Loop suppression: an event observed while a creation flow for this
	// platform is in flight is the echo of that flow. Drop it; the flow
	// itself is the authoritative continuation.
	if r.guard.CreationLocked(e.Platform) {
		log.Debug().Msg("Dropping new-entity event, creation in flight (loop suppression)")
		return
	}

	unlock := r.lockLink(ctx, e.Platform, e.ID)
	defer unlock()

	if peer, err := r.store.ResolvePeer(ctx, e.ID, e.Platform); err == nil {
		log.Debug().Str("peer_id", peer).Msg("Entity already linked, ignoring new-entity event")
		return
	} else if !errors.Is(err, ErrNotFound) {
		log.Err(err).Msg("Failed to resolve peer")
		return
	}

	if e.Name == "" {
		log.Warn().Msg("New entity has no name, cannot derive canonical name; dropping")
		return
	}

	var err error
	switch e.Platform {
	case PlatformMattermost:
		err = r.bridgeChannel(ctx, ChannelInfo{ID: e.ID, Name: Slugify(e.Name), DisplayName: e.Name, Topic: e.Topic}, nil)
	case PlatformMatrix:
		err = r.bridgeRoom(ctx, e.ID, e.Name, e.Topic, nil)
	default:
		log.Warn().Msg("Dropping new-entity event for unknown platform")
		return
	}
	if err != nil {
		log.Err(err).Msg("Failed to bridge new entity")
	}
}

// sourceNameTemplate returns the template that produced a display name on the
// given platform: the room name template on Matrix, the identity template on
// Mattermost (channel display names are the canonical name itself).
func (r *Reconciler) sourceNameTemplate(p Platform) string {
	if p == PlatformMatrix {
		return r.cfg.Bridge.RoomNameTemplate
	}
	return namePlaceholder
}

func (r *Reconciler) handleRename(ctx context.Context, e RenameEntity) {
	log := r.log.With().Str("platform", string(e.Platform)).Str("entity_id", e.ID).
		Str("new_name", e.NewName).Logger()

	// Some platforms re-emit identical renames.
	if e.OldName != "" && e.OldName == e.NewName {
		log.Debug().Msg("Dropping no-op rename")
		return
	}

	if r.guard.RenameLocked(e.Platform) {
		log.Debug().Msg("Dropping rename event, metadata write in flight (loop suppression)")
		return
	}

	unlock := r.lockLink(ctx, e.Platform, e.ID)
	defer unlock()

	link, err := r.linkFor(ctx, e.Platform, e.ID)
	if errors.Is(err, ErrNotFound) {
		// Rename arrived before the corresponding link exists. Deferred, not
		// an occasion to create a spurious link.
		log.Debug().Msg("Rename for unlinked entity, dropping")
		return
	} else if err != nil {
		log.Err(err).Msg("Failed to look up link")
		return
	}

	opts, err := r.store.GetOptions(ctx, link.RoomID)
	if err != nil {
		log.Err(err).Msg("Failed to load room options")
		return
	}
	if opts.SkipRoomName {
		log.Debug().Msg("Room has skip_room_name set, dropping rename")
		return
	}

	// The store's canonical name is authoritative, not the event payload:
	// recover the new canonical name from the formatted one, or skip.
	canonical, err := ExtractName(r.sourceNameTemplate(e.Platform), e.NewName)
	if err != nil {
		log.Warn().Err(err).Msg("Renamed name does not match template, skipping mirror")
		return
	}
	if canonical == link.CanonicalName {
		log.Debug().Msg("Name unchanged relative to canonical name, dropping")
		return
	}

	if err := r.store.SetCanonicalName(ctx, link.RoomID, canonical); err != nil {
		log.Err(err).Msg("Failed to persist canonical name")
		return
	}

	// Mirror onto the peer under its rename lock: the peer platform echoes
	// the write back as a rename event of its own.
	target := e.Platform.Peer()
	release := r.guard.LockRename(target)
	defer release()
	switch target {
	case PlatformMattermost:
		err = withRetry(ctx, log, "rename channel", func() error {
			return r.channels.RenameChannel(ctx, link.ChannelID, Slugify(canonical), canonical)
		})
	case PlatformMatrix:
		err = withRetry(ctx, log, "rename room", func() error {
			return r.rooms.SetRoomName(ctx, link.RoomID, FormatName(r.cfg.Bridge.RoomNameTemplate, canonical))
		})
	}
	if err != nil {
		log.Err(err).Str("canonical_name", canonical).Msg("Failed to mirror rename")
		return
	}
	log.Info().Str("canonical_name", canonical).Msg("Mirrored rename")
}

func (r *Reconciler) handleTopicChange(ctx context.Context, e TopicChange) {
	log := r.log.With().Str("platform", string(e.Platform)).Str("entity_id", e.ID).Logger()

	if r.guard.RenameLocked(e.Platform) {
		log.Debug().Msg("Dropping topic event, metadata write in flight (loop suppression)")
		return
	}

	unlock := r.lockLink(ctx, e.Platform, e.ID)
	defer unlock()

	link, err := r.linkFor(ctx, e.Platform, e.ID)
	if errors.Is(err, ErrNotFound) {
		log.Debug().Msg("Topic change for unlinked entity, dropping")
		return
	} else if err != nil {
		log.Err(err).Msg("Failed to look up link")
		return
	}

	opts, err := r.store.GetOptions(ctx, link.RoomID)
	if err != nil {
		log.Err(err).Msg("Failed to load room options")
		return
	}
	if opts.SkipRoomDescription {
		log.Debug().Msg("Room has skip_room_description set, dropping topic change")
		return
	}

	target := e.Platform.Peer()
	release := r.guard.LockRename(target)
	defer release()
	switch target {
	case PlatformMattermost:
		topic := topicfmt.CleanRoomTopic(e.NewTopic)
		if info, infoErr := r.channels.ChannelInfo(ctx, link.ChannelID); infoErr == nil && info.Topic == topic {
			log.Debug().Msg("Peer topic already matches, dropping topic change")
			return
		}
		err = withRetry(ctx, log, "set channel topic", func() error {
			return r.channels.SetChannelTopic(ctx, link.ChannelID, topic)
		})
	case PlatformMatrix:
		topic := topicfmt.CleanChannelTopic(e.NewTopic)
		if current, topicErr := r.rooms.RoomTopic(ctx, link.RoomID); topicErr == nil && current == topic {
			log.Debug().Msg("Peer topic already matches, dropping topic change")
			return
		}
		err = withRetry(ctx, log, "set room topic", func() error {
			return r.rooms.SetRoomTopic(ctx, link.RoomID, topic)
		})
	}
	if err != nil {
		log.Err(err).Msg("Failed to mirror topic change")
		return
	}
	log.Info().Msg("Mirrored topic change")
}

func (r *Reconciler) handleArchive(ctx context.Context, e ArchiveEntity) {
	log := r.log.With().Str("platform", string(e.Platform)).Str("entity_id", e.ID).Logger()

	unlock := r.lockLink(ctx, e.Platform, e.ID)
	defer unlock()

	link, err := r.linkFor(ctx, e.Platform, e.ID)
	if errors.Is(err, ErrNotFound) {
		log.Debug().Msg("Archive for unlinked entity, dropping")
		return
	} else if err != nil {
		log.Err(err).Msg("Failed to look up link")
		return
	}

	// When the archive originated on the Matrix side the channel is still
	// live and must be archived too. Mattermost-side archives arrive with
	// the channel already gone.
	if e.Platform == PlatformMatrix && link.ChannelID != "" {
		if err := withRetry(ctx, log, "archive channel", func() error {
			return r.channels.ArchiveChannel(ctx, link.ChannelID)
		}); err != nil {
			log.Err(err).Msg("Failed to archive channel, continuing with room archive")
		}
	}

	if err := r.archiveRoom(ctx, link, nil); err != nil {
		log.Err(err).Msg("Failed to archive room")
		return
	}
	log.Info().Str("room_id", link.RoomID).Msg("Archived link")
}

func (r *Reconciler) handleUnarchive(ctx context.Context, e UnarchiveEntity) {
	log := r.log.With().Str("platform", string(e.Platform)).Str("entity_id", e.ID).Logger()

	switch e.Platform {
	case PlatformMatrix:
		unlock := r.lockLink(ctx, e.Platform, e.ID)
		defer unlock()
		link, err := r.store.GetLinkByRoom(ctx, e.ID)
		if errors.Is(err, ErrNotFound) {
			log.Debug().Msg("Unarchive for unlinked room, dropping")
			return
		} else if err != nil {
			log.Err(err).Msg("Failed to look up link")
			return
		}
		if err := r.unarchiveRoom(ctx, link, nil); err != nil {
			log.Err(err).Msg("Failed to unarchive room")
		}
	case PlatformMattermost:
		// The channel side was unlinked on archive, and the channel may have
		// been recreated since. Re-establish a fresh link through the
		// new-channel path.
		info, err := r.channels.ChannelInfo(ctx, e.ID)
		if err != nil {
			log.Err(err).Msg("Failed to fetch restored channel info")
			return
		}
		r.handleNewEntity(ctx, NewEntity{
			Platform: PlatformMattermost,
			ID:       info.ID,
			Name:     info.DisplayName,
			Topic:    info.Topic,
		})

		// When the new-channel path relinked an archived room, the room side
		// still carries the restricted posting level and the archived flag.
		unlock := r.lockLink(ctx, e.Platform, e.ID)
		defer unlock()
		link, err := r.store.GetLinkByChannel(ctx, e.ID)
		if err != nil {
			log.Err(err).Msg("Failed to look up relinked channel")
			return
		}
		if err := r.unarchiveRoom(ctx, link, nil); err != nil {
			log.Err(err).Msg("Failed to restore room state")
		}
	default:
		log.Warn().Msg("Dropping unarchive event for unknown platform")
	}
}

func (r *Reconciler) handleInvite(ctx context.Context, e MembershipInvite) {
	log := r.log.With().Str("room_id", e.RoomID).Str("sender", e.Sender).Logger()

	// Auto-accept on behalf of the engine's own account.
	if err := withRetry(ctx, log, "join room", func() error {
		return r.rooms.JoinRoom(ctx, e.RoomID)
	}); err != nil {
		log.Err(err).Msg("Failed to accept invite")
		return
	}

	members, err := r.rooms.JoinedMembers(ctx, e.RoomID)
	if err != nil {
		log.Err(err).Msg("Failed to list room members")
		return
	}
	if isOneToOne(members, r.rooms.UserID(), e.Sender) {
		r.welcomeMatrixUser(ctx, e.Sender, e.RoomID, log)
		return
	}

	// A multi-user room the bot was invited into: bridge it if it has a
	// name and no existing link.
	name, err := r.rooms.RoomName(ctx, e.RoomID)
	if err != nil || name == "" {
		log.Debug().AnErr("name_error", err).Msg("Invited to unnamed room, not bridging")
		return
	}
	r.handleNewEntity(ctx, NewEntity{Platform: PlatformMatrix, ID: e.RoomID, Name: name})
}

// welcomeMatrixUser sends the welcome message to a user's 1:1 room, at most
// once per user. The direct-message index prevents duplicate welcomes on
// subsequent invites from the same user.
func (r *Reconciler) welcomeMatrixUser(ctx context.Context, userID, roomID string, log zerolog.Logger) {
	if _, err := r.store.DirectRoom(ctx, userID); err == nil {
		log.Debug().Msg("User already welcomed, recording room only")
		if err := r.store.SetDirectRoom(ctx, userID, roomID); err != nil {
			log.Err(err).Msg("Failed to update direct-message index")
		}
		return
	}
	if r.cfg.Bridge.WelcomeMessage != "" {
		if err := r.rooms.SendNotice(ctx, roomID, r.cfg.Bridge.WelcomeMessage); err != nil {
			log.Err(err).Msg("Failed to send welcome message")
		}
	}
	if err := r.store.SetDirectRoom(ctx, userID, roomID); err != nil {
		log.Err(err).Msg("Failed to record direct-message index")
	}
}

// linkFor looks up the live link for an entity on either platform.
func (r *Reconciler) linkFor(ctx context.Context, platform Platform, entityID string) (*Link, error) {
	if platform == PlatformMatrix {
		return r.store.GetLinkByRoom(ctx, entityID)
	}
	return r.store.GetLinkByChannel(ctx, entityID)
}

// isOneToOne reports whether the membership is exactly the engine account
// plus one other user.
func isOneToOne(members []string, self, other string) bool {
	if len(members) != 2 {
		return false
	}
	hasSelf := false
	hasOther := false
	for _, m := range members {
		switch m {
		case self:
			hasSelf = true
		case other:
			hasOther = true
		}
	}
	return hasSelf && hasOther
}
