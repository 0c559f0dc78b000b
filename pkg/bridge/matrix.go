// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixClient is the Matrix-side adapter: it implements RoomPlatform over
// the client-server API and translates sync events into lifecycle events for
// the sink.
type MatrixClient struct {
	client  *mautrix.Client
	sink    EventSink
	spaceID id.RoomID
	log     zerolog.Logger
}

var _ RoomPlatform = (*MatrixClient)(nil)

// NewMatrixClient builds a client from config and registers the sync
// handlers.
func NewMatrixClient(cfg *MatrixConfig, log zerolog.Logger) (*MatrixClient, error) {
	client, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	m := &MatrixClient{
		client:  client,
		spaceID: id.RoomID(cfg.SpaceID),
		log:     log.With().Str("component", "matrix_client").Logger(),
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	// Events from before this process started are history, not work.
	syncer.OnSync(client.DontProcessOldEvents)
	syncer.OnEventType(event.StateMember, m.onMember)
	syncer.OnEventType(event.StateRoomName, m.onRoomName)
	syncer.OnEventType(event.StateTopic, m.onTopic)
	return m, nil
}

// SetSink installs the lifecycle event receiver. Must be called before
// Listen.
func (m *MatrixClient) SetSink(sink EventSink) {
	m.sink = sink
}

// Listen runs the sync loop until the context is cancelled.
func (m *MatrixClient) Listen(ctx context.Context) error {
	m.log.Info().Str("user_id", m.client.UserID.String()).Msg("Starting Matrix sync")
	return m.client.SyncWithContext(ctx)
}

func (m *MatrixClient) onMember(ctx context.Context, evt *event.Event) {
	if m.sink == nil {
		return
	}
	// Only invites addressed to the engine's own account matter here; joins,
	// leaves and other users' invites are not lifecycle events.
	if evt.GetStateKey() != m.client.UserID.String() || evt.Sender == m.client.UserID {
		return
	}
	if evt.Content.AsMember().Membership != event.MembershipInvite {
		return
	}
	m.sink.HandleEvent(ctx, MembershipInvite{
		Platform: PlatformMatrix,
		RoomID:   evt.RoomID.String(),
		Sender:   evt.Sender.String(),
	})
}

func (m *MatrixClient) onRoomName(ctx context.Context, evt *event.Event) {
	// Own writes echo back through sync; the loop guard cannot see them once
	// the write lock is released, so the sender check is the backstop.
	if m.sink == nil || evt.Sender == m.client.UserID {
		return
	}
	var oldName string
	if prev := evt.Unsigned.PrevContent; prev != nil {
		oldName, _ = prev.Raw["name"].(string)
	}
	m.sink.HandleEvent(ctx, RenameEntity{
		Platform: PlatformMatrix,
		ID:       evt.RoomID.String(),
		OldName:  oldName,
		NewName:  evt.Content.AsRoomName().Name,
	})
}

func (m *MatrixClient) onTopic(ctx context.Context, evt *event.Event) {
	if m.sink == nil || evt.Sender == m.client.UserID {
		return
	}
	m.sink.HandleEvent(ctx, TopicChange{
		Platform: PlatformMatrix,
		ID:       evt.RoomID.String(),
		NewTopic: evt.Content.AsTopic().Topic,
	})
}

func (m *MatrixClient) UserID() string {
	return m.client.UserID.String()
}

func (m *MatrixClient) CreateRoom(ctx context.Context) (string, error) {
	resp, err := m.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	return resp.RoomID.String(), nil
}

func (m *MatrixClient) ResolveAlias(ctx context.Context, alias string) (string, error) {
	resp, err := m.client.ResolveAlias(ctx, id.RoomAlias(alias))
	if errors.Is(err, mautrix.MNotFound) {
		return "", fmt.Errorf("alias %s: %w", alias, ErrNotFound)
	} else if err != nil {
		return "", fmt.Errorf("failed to resolve alias %s: %w", alias, err)
	}
	return resp.RoomID.String(), nil
}

func (m *MatrixClient) JoinRoom(ctx context.Context, roomID string) error {
	_, err := m.client.JoinRoomByID(ctx, id.RoomID(roomID))
	return err
}

func (m *MatrixClient) JoinedRooms(ctx context.Context) ([]string, error) {
	resp, err := m.client.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(resp.JoinedRooms))
	for i, roomID := range resp.JoinedRooms {
		out[i] = roomID.String()
	}
	return out, nil
}

func (m *MatrixClient) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	resp, err := m.client.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Joined))
	for userID := range resp.Joined {
		out = append(out, userID.String())
	}
	return out, nil
}

// SetPublic opens the join rule and makes history world readable, matching
// what a directory-listed room is expected to look like.
func (m *MatrixClient) SetPublic(ctx context.Context, roomID string) error {
	_, err := m.client.SendStateEvent(ctx, id.RoomID(roomID), event.StateJoinRules, "", &event.JoinRulesEventContent{
		JoinRule: event.JoinRulePublic,
	})
	if err != nil {
		return fmt.Errorf("failed to set join rule: %w", err)
	}
	_, err = m.client.SendStateEvent(ctx, id.RoomID(roomID), event.StateHistoryVisibility, "", &event.HistoryVisibilityEventContent{
		HistoryVisibility: event.HistoryVisibilityWorldReadable,
	})
	if err != nil {
		return fmt.Errorf("failed to set history visibility: %w", err)
	}
	return nil
}

func (m *MatrixClient) AddAlias(ctx context.Context, roomID, alias string) error {
	_, err := m.client.CreateAlias(ctx, id.RoomAlias(alias), id.RoomID(roomID))
	// Re-running provisioning re-adds existing aliases; that is not a failure.
	if errors.Is(err, mautrix.MRoomInUse) || isConflictError(err) {
		return nil
	}
	return err
}

// isConflictError matches the 409 some homeservers return for an alias that
// already points at the same room.
func isConflictError(err error) bool {
	var httpErr mautrix.HTTPError
	return errors.As(err, &httpErr) && httpErr.IsStatus(409)
}

func (m *MatrixClient) SetCanonicalAlias(ctx context.Context, roomID, alias string) error {
	_, err := m.client.SendStateEvent(ctx, id.RoomID(roomID), event.StateCanonicalAlias, "", &event.CanonicalAliasEventContent{
		Alias: id.RoomAlias(alias),
	})
	return err
}

func (m *MatrixClient) SetRoomName(ctx context.Context, roomID, name string) error {
	_, err := m.client.SendStateEvent(ctx, id.RoomID(roomID), event.StateRoomName, "", &event.RoomNameEventContent{
		Name: name,
	})
	return err
}

func (m *MatrixClient) RoomName(ctx context.Context, roomID string) (string, error) {
	var content event.RoomNameEventContent
	err := m.client.StateEvent(ctx, id.RoomID(roomID), event.StateRoomName, "", &content)
	if errors.Is(err, mautrix.MNotFound) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return content.Name, nil
}

func (m *MatrixClient) RoomTopic(ctx context.Context, roomID string) (string, error) {
	var content event.TopicEventContent
	err := m.client.StateEvent(ctx, id.RoomID(roomID), event.StateTopic, "", &content)
	if errors.Is(err, mautrix.MNotFound) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return content.Topic, nil
}

func (m *MatrixClient) SetRoomTopic(ctx context.Context, roomID, topic string) error {
	_, err := m.client.SendStateEvent(ctx, id.RoomID(roomID), event.StateTopic, "", &event.TopicEventContent{
		Topic: topic,
	})
	return err
}

func (m *MatrixClient) SetRoomAvatar(ctx context.Context, roomID, avatarURL string) error {
	_, err := m.client.SendStateEvent(ctx, id.RoomID(roomID), event.StateRoomAvatar, "", &event.RoomAvatarEventContent{
		URL: id.ContentURIString(avatarURL),
	})
	return err
}

func (m *MatrixClient) InviteUser(ctx context.Context, roomID, userID string) error {
	_, err := m.client.InviteUser(ctx, id.RoomID(roomID), &mautrix.ReqInviteUser{
		UserID: id.UserID(userID),
	})
	// Inviting an already-joined or already-invited user is a provisioning
	// re-run, not a failure.
	if errors.Is(err, mautrix.MForbidden) {
		m.log.Debug().Str("user_id", userID).Str("room_id", roomID).Msg("Invite rejected, user likely already in room")
		return nil
	}
	return err
}

func (m *MatrixClient) powerLevels(ctx context.Context, roomID string) (*event.PowerLevelsEventContent, error) {
	var content event.PowerLevelsEventContent
	if err := m.client.StateEvent(ctx, id.RoomID(roomID), event.StatePowerLevels, "", &content); err != nil {
		return nil, fmt.Errorf("failed to fetch power levels: %w", err)
	}
	return &content, nil
}

func (m *MatrixClient) setPowerLevels(ctx context.Context, roomID string, content *event.PowerLevelsEventContent) error {
	_, err := m.client.SendStateEvent(ctx, id.RoomID(roomID), event.StatePowerLevels, "", content)
	return err
}

func (m *MatrixClient) SetUserLevel(ctx context.Context, roomID, userID string, level int) error {
	levels, err := m.powerLevels(ctx, roomID)
	if err != nil {
		return err
	}
	if levels.GetUserLevel(id.UserID(userID)) == level {
		return nil
	}
	levels.SetUserLevel(id.UserID(userID), level)
	return m.setPowerLevels(ctx, roomID, levels)
}

func (m *MatrixClient) SetDefaultEventLevel(ctx context.Context, roomID string, level int) error {
	levels, err := m.powerLevels(ctx, roomID)
	if err != nil {
		return err
	}
	if levels.EventsDefault == level {
		return nil
	}
	levels.EventsDefault = level
	return m.setPowerLevels(ctx, roomID, levels)
}

func (m *MatrixClient) DefaultEventLevel(ctx context.Context, roomID string) (int, error) {
	levels, err := m.powerLevels(ctx, roomID)
	if err != nil {
		return 0, err
	}
	return levels.EventsDefault, nil
}

func (m *MatrixClient) SetAtRoomLevel(ctx context.Context, roomID string, level int) error {
	levels, err := m.powerLevels(ctx, roomID)
	if err != nil {
		return err
	}
	if levels.Notifications != nil && levels.Notifications.Room() == level {
		return nil
	}
	if levels.Notifications == nil {
		levels.Notifications = &event.NotificationPowerLevels{}
	}
	levels.Notifications.RoomPtr = ptr.Ptr(level)
	return m.setPowerLevels(ctx, roomID, levels)
}

// AddRoomToSpace writes the room as a child of the configured space. No-op
// when no space is configured.
func (m *MatrixClient) AddRoomToSpace(ctx context.Context, roomID string) error {
	if m.spaceID == "" {
		return nil
	}
	_, err := m.client.SendStateEvent(ctx, m.spaceID, event.StateSpaceChild, roomID, &event.SpaceChildEventContent{
		Via: []string{m.client.UserID.Homeserver()},
	})
	return err
}

// SpaceRooms lists the child rooms of the configured space from its state.
func (m *MatrixClient) SpaceRooms(ctx context.Context) ([]string, error) {
	if m.spaceID == "" {
		return nil, nil
	}
	state, err := m.client.State(ctx, m.spaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch space state: %w", err)
	}
	var out []string
	for stateKey := range state[event.StateSpaceChild] {
		out = append(out, stateKey)
	}
	return out, nil
}

func (m *MatrixClient) SpaceMembers(ctx context.Context) ([]string, error) {
	if m.spaceID == "" {
		return nil, nil
	}
	return m.JoinedMembers(ctx, m.spaceID.String())
}

func (m *MatrixClient) CreateDirectRoom(ctx context.Context, userID string) (string, error) {
	resp, err := m.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "trusted_private_chat",
		IsDirect:   true,
		Invite:     []id.UserID{id.UserID(userID)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create direct room: %w", err)
	}
	return resp.RoomID.String(), nil
}

func (m *MatrixClient) SendNotice(ctx context.Context, roomID, text string) error {
	_, err := m.client.SendNotice(ctx, id.RoomID(roomID), text)
	return err
}
