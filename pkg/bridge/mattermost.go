// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

const channelPageSize = 200

// MattermostClient is the Mattermost-side adapter: it implements
// ChannelPlatform over the REST API and translates WebSocket channel events
// into lifecycle events for the sink.
type MattermostClient struct {
	client   *model.Client4
	wsClient *model.WebSocketClient
	sink     EventSink

	userID    string
	teamID    string
	serverURL string

	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var _ ChannelPlatform = (*MattermostClient)(nil)

// NewMattermostClient builds an unconnected client from config. Connect must
// be called before use.
func NewMattermostClient(cfg *MattermostConfig, log zerolog.Logger) *MattermostClient {
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)
	return &MattermostClient{
		client:    client,
		serverURL: cfg.ServerURL,
		teamID:    cfg.TeamID,
		stopChan:  make(chan struct{}),
		log:       log.With().Str("component", "mm_client").Logger(),
	}
}

// SetSink installs the lifecycle event receiver. Must be called before
// Listen.
func (m *MattermostClient) SetSink(sink EventSink) {
	m.sink = sink
}

// Connect verifies the session and resolves the team if none was configured.
func (m *MattermostClient) Connect(ctx context.Context) error {
	m.log.Info().Str("server_url", m.serverURL).Msg("Connecting to Mattermost")

	me, _, err := m.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	m.userID = me.Id
	m.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	if m.teamID == "" {
		teams, _, err := m.client.GetTeamsForUser(ctx, m.userID, "")
		if err != nil {
			return fmt.Errorf("failed to get teams: %w", err)
		}
		if len(teams) == 0 {
			return fmt.Errorf("user %s is not a member of any team", me.Username)
		}
		m.teamID = teams[0].Id
		m.log.Info().Str("team_id", m.teamID).Msg("Using first team")
	}
	return nil
}

// Listen opens the WebSocket connection and feeds channel lifecycle events to
// the sink until the context is cancelled.
func (m *MattermostClient) Listen(ctx context.Context) error {
	if err := m.connectWebSocket(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		m.Close()
	}()
	m.listenWebSocket(ctx)
	return ctx.Err()
}

func (m *MattermostClient) connectWebSocket() error {
	wsURL := httpToWS(m.serverURL)
	var err error
	m.wsClient, err = model.NewWebSocketClient4(wsURL, m.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	m.wsClient.Listen()
	m.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (m *MattermostClient) listenWebSocket(ctx context.Context) {
	for {
		select {
		case <-m.stopChan:
			return
		case evt, ok := <-m.wsClient.EventChannel:
			if !ok {
				m.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				if !m.reconnectWebSocket(ctx) {
					return
				}
				continue
			}
			if evt == nil {
				continue
			}
			m.handleEvent(ctx, evt)
		}
	}
}

func (m *MattermostClient) reconnectWebSocket(ctx context.Context) bool {
	for {
		select {
		case <-m.stopChan:
			return false
		case <-time.After(5 * time.Second):
		}
		if err := m.connectWebSocket(); err != nil {
			m.log.Error().Err(err).Msg("Failed to reconnect WebSocket, retrying")
			continue
		}
		return true
	}
}

// handleEvent dispatches a Mattermost WebSocket event to the sink.
func (m *MattermostClient) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	if m.sink == nil {
		return
	}
	switch evt.EventType() {
	case model.WebsocketEventChannelCreated:
		m.handleChannelCreated(ctx, evt)
	case model.WebsocketEventChannelUpdated:
		m.handleChannelUpdated(ctx, evt)
	case model.WebsocketEventChannelDeleted:
		m.handleChannelDeleted(ctx, evt)
	case model.WebsocketEventChannelRestored:
		m.handleChannelRestored(ctx, evt)
	default:
		m.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// handleChannelCreated fetches the new channel and emits a new-entity event.
// The created event carries only the channel ID.
func (m *MattermostClient) handleChannelCreated(ctx context.Context, evt *model.WebSocketEvent) {
	channelID, ok := evt.GetData()["channel_id"].(string)
	if !ok || channelID == "" {
		m.log.Warn().Msg("channel_created event missing channel_id")
		return
	}
	channel, _, err := m.client.GetChannel(ctx, channelID, "")
	if err != nil {
		m.log.Err(err).Str("channel_id", channelID).Msg("Failed to fetch created channel")
		return
	}
	if !m.relevantChannel(channel) {
		return
	}
	m.sink.HandleEvent(ctx, NewEntity{
		Platform: PlatformMattermost,
		ID:       channel.Id,
		Name:     channel.DisplayName,
		Topic:    channel.Header,
	})
}

// handleChannelUpdated emits a rename and a topic change. The update event
// carries the full new channel state but not the old one, so OldName is left
// empty and the reconciler decides whether anything actually changed.
func (m *MattermostClient) handleChannelUpdated(ctx context.Context, evt *model.WebSocketEvent) {
	channelJSON, ok := evt.GetData()["channel"].(string)
	if !ok {
		m.log.Warn().Msg("channel_updated event missing channel data")
		return
	}
	var channel model.Channel
	if err := json.Unmarshal([]byte(channelJSON), &channel); err != nil {
		m.log.Err(err).Msg("Failed to unmarshal updated channel")
		return
	}
	if !m.relevantChannel(&channel) {
		return
	}
	m.sink.HandleEvent(ctx, RenameEntity{
		Platform: PlatformMattermost,
		ID:       channel.Id,
		NewName:  channel.DisplayName,
	})
	m.sink.HandleEvent(ctx, TopicChange{
		Platform: PlatformMattermost,
		ID:       channel.Id,
		NewTopic: channel.Header,
	})
}

func (m *MattermostClient) handleChannelDeleted(ctx context.Context, evt *model.WebSocketEvent) {
	channelID, ok := evt.GetData()["channel_id"].(string)
	if !ok || channelID == "" {
		m.log.Warn().Msg("channel_deleted event missing channel_id")
		return
	}
	m.sink.HandleEvent(ctx, ArchiveEntity{Platform: PlatformMattermost, ID: channelID})
}

func (m *MattermostClient) handleChannelRestored(ctx context.Context, evt *model.WebSocketEvent) {
	channelID, ok := evt.GetData()["channel_id"].(string)
	if !ok || channelID == "" {
		m.log.Warn().Msg("channel_restored event missing channel_id")
		return
	}
	m.sink.HandleEvent(ctx, UnarchiveEntity{Platform: PlatformMattermost, ID: channelID})
}

// relevantChannel filters to open channels in the configured team. DMs, group
// DMs and other teams' channels are not bridged.
func (m *MattermostClient) relevantChannel(channel *model.Channel) bool {
	return channel.Type == model.ChannelTypeOpen && channel.TeamId == m.teamID
}

// Close shuts down the WebSocket connection.
func (m *MattermostClient) Close() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	if m.wsClient != nil {
		m.wsClient.Close()
	}
}

func (m *MattermostClient) BotUserID() string {
	return m.userID
}

func (m *MattermostClient) CreateChannel(ctx context.Context, name, displayName, topic string) (string, error) {
	channel, _, err := m.client.CreateChannel(ctx, &model.Channel{
		TeamId:      m.teamID,
		Name:        name,
		DisplayName: displayName,
		Header:      topic,
		Type:        model.ChannelTypeOpen,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create channel: %w", err)
	}
	return channel.Id, nil
}

func (m *MattermostClient) RenameChannel(ctx context.Context, channelID, name, displayName string) error {
	_, _, err := m.client.PatchChannel(ctx, channelID, &model.ChannelPatch{
		Name:        &name,
		DisplayName: &displayName,
	})
	return err
}

func (m *MattermostClient) SetChannelTopic(ctx context.Context, channelID, topic string) error {
	_, _, err := m.client.PatchChannel(ctx, channelID, &model.ChannelPatch{
		Header: &topic,
	})
	return err
}

func (m *MattermostClient) ChannelInfo(ctx context.Context, channelID string) (*ChannelInfo, error) {
	channel, _, err := m.client.GetChannel(ctx, channelID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	info := channelToInfo(channel)
	return &info, nil
}

func channelToInfo(channel *model.Channel) ChannelInfo {
	return ChannelInfo{
		ID:          channel.Id,
		Name:        channel.Name,
		DisplayName: channel.DisplayName,
		Topic:       channel.Header,
		Archived:    channel.DeleteAt > 0,
	}
}

// ListChannels pages through the team's public channels, active and archived.
func (m *MattermostClient) ListChannels(ctx context.Context) ([]ChannelInfo, error) {
	var out []ChannelInfo
	for page := 0; ; page++ {
		channels, _, err := m.client.GetPublicChannelsForTeam(ctx, m.teamID, page, channelPageSize, "")
		if err != nil {
			return nil, fmt.Errorf("failed to list channels: %w", err)
		}
		for _, ch := range channels {
			out = append(out, channelToInfo(ch))
		}
		if len(channels) < channelPageSize {
			break
		}
	}
	for page := 0; ; page++ {
		channels, _, err := m.client.GetDeletedChannelsForTeam(ctx, m.teamID, page, channelPageSize, "")
		if err != nil {
			return nil, fmt.Errorf("failed to list archived channels: %w", err)
		}
		for _, ch := range channels {
			info := channelToInfo(ch)
			info.Archived = true
			out = append(out, info)
		}
		if len(channels) < channelPageSize {
			break
		}
	}
	return out, nil
}

func (m *MattermostClient) ChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	var out []string
	for page := 0; ; page++ {
		members, _, err := m.client.GetChannelMembers(ctx, channelID, page, channelPageSize, "")
		if err != nil {
			return nil, fmt.Errorf("failed to get channel members: %w", err)
		}
		for _, member := range members {
			out = append(out, member.UserId)
		}
		if len(members) < channelPageSize {
			break
		}
	}
	return out, nil
}

func (m *MattermostClient) AddChannelMember(ctx context.Context, channelID, userID string) error {
	_, _, err := m.client.AddChannelMember(ctx, channelID, userID)
	return err
}

// ArchiveChannel archives the channel. Mattermost models this as deletion;
// the channel and its history survive and can be restored.
func (m *MattermostClient) ArchiveChannel(ctx context.Context, channelID string) error {
	_, err := m.client.DeleteChannel(ctx, channelID)
	return err
}

func (m *MattermostClient) UnarchiveChannel(ctx context.Context, channelID string) error {
	_, _, err := m.client.RestoreChannel(ctx, channelID)
	return err
}

func (m *MattermostClient) OpenDirectChannel(ctx context.Context, userID string) (string, error) {
	channel, _, err := m.client.CreateDirectChannel(ctx, m.userID, userID)
	if err != nil {
		return "", fmt.Errorf("failed to open direct channel: %w", err)
	}
	return channel.Id, nil
}

func (m *MattermostClient) PostMessage(ctx context.Context, channelID, text string) error {
	_, _, err := m.client.CreatePost(ctx, &model.Post{
		ChannelId: channelID,
		Message:   text,
	})
	return err
}

func (m *MattermostClient) LookupUserID(ctx context.Context, username string) (string, error) {
	user, _, err := m.client.GetUserByUsername(ctx, username, "")
	if err != nil {
		return "", fmt.Errorf("failed to look up user %q: %w", username, err)
	}
	return user.Id, nil
}

func (m *MattermostClient) ListUsers(ctx context.Context) ([]string, error) {
	var out []string
	for page := 0; ; page++ {
		users, _, err := m.client.GetUsersInTeam(ctx, m.teamID, page, channelPageSize, "")
		if err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
		for _, user := range users {
			out = append(out, user.Id)
		}
		if len(users) < channelPageSize {
			break
		}
	}
	return out, nil
}
