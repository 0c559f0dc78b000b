// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// newTestStore opens a throwaway SQLite store in a temp dir.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(context.Background(), "file:"+filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig() *Config {
	cfg := &Config{
		Matrix: MatrixConfig{
			UserID:  "@roomsync:example.com",
			SpaceID: "!space:example.com",
		},
		Bridge: BridgeConfig{
			RoomAliasTemplates: []string{"#bridge-{name}:example.com"},
			RoomNameTemplate:   "{name}",
			WelcomeMessage:     "Welcome aboard!",
		},
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

func newTestReconciler(t *testing.T, cfg *Config) (*Reconciler, *spyRooms, *spyChannels) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	rooms := newSpyRooms(cfg.Matrix.UserID)
	channels := newSpyChannels()
	return NewReconciler(cfg, newTestStore(t), rooms, channels, zerolog.Nop()), rooms, channels
}

// spyRoom is the in-memory state of one fake Matrix room.
type spyRoom struct {
	name           string
	topic          string
	avatar         string
	public         bool
	canonicalAlias string
	members        map[string]bool
	userLevels     map[string]int
	eventsDefault  int
	atRoomLevel    int
}

// spyRooms is an in-memory RoomPlatform that records every mutating call for
// assertions.
type spyRooms struct {
	mu           sync.Mutex
	calls        []string
	userID       string
	rooms        map[string]*spyRoom
	aliases      map[string]string
	joined       map[string]bool
	space        []string
	spaceUsers   []string
	directRooms  map[string]string
	notices      map[string][]string
	nextRoomNum  int
	failOps      map[string]error
}

var _ RoomPlatform = (*spyRooms)(nil)

func newSpyRooms(userID string) *spyRooms {
	return &spyRooms{
		userID:      userID,
		rooms:       make(map[string]*spyRoom),
		aliases:     make(map[string]string),
		joined:      make(map[string]bool),
		directRooms: make(map[string]string),
		notices:     make(map[string][]string),
		failOps:     make(map[string]error),
	}
}

func (s *spyRooms) record(format string, args ...any) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

// callCount returns how many recorded calls start with the given prefix.
func (s *spyRooms) callCount(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// addRoom seeds an existing room and returns it.
func (s *spyRooms) addRoom(roomID, name string) *spyRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := &spyRoom{
		name:       name,
		members:    map[string]bool{s.userID: true},
		userLevels: make(map[string]int),
	}
	s.rooms[roomID] = room
	s.joined[roomID] = true
	return room
}

func (s *spyRooms) room(t *testing.T, roomID string) *spyRoom {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		t.Fatalf("room %s does not exist", roomID)
	}
	return room
}

func (s *spyRooms) UserID() string { return s.userID }

func (s *spyRooms) CreateRoom(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOps["CreateRoom"]; err != nil {
		return "", err
	}
	s.nextRoomNum++
	roomID := fmt.Sprintf("!room%d:example.com", s.nextRoomNum)
	s.rooms[roomID] = &spyRoom{
		members:    map[string]bool{s.userID: true},
		userLevels: make(map[string]int),
	}
	s.joined[roomID] = true
	s.record("CreateRoom %s", roomID)
	return roomID, nil
}

func (s *spyRooms) ResolveAlias(_ context.Context, alias string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID, ok := s.aliases[alias]
	if !ok {
		return "", ErrNotFound
	}
	return roomID, nil
}

func (s *spyRooms) JoinRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOps["JoinRoom"]; err != nil {
		return err
	}
	s.joined[roomID] = true
	if room, ok := s.rooms[roomID]; ok {
		room.members[s.userID] = true
	}
	s.record("JoinRoom %s", roomID)
	return nil
}

func (s *spyRooms) JoinedRooms(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for roomID, joined := range s.joined {
		if joined {
			out = append(out, roomID)
		}
	}
	return out, nil
}

func (s *spyRooms) JoinedMembers(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []string
	for member := range room.members {
		out = append(out, member)
	}
	return out, nil
}

func (s *spyRooms) SetPublic(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOps["SetPublic"]; err != nil {
		return err
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.public = true
	s.record("SetPublic %s", roomID)
	return nil
}

func (s *spyRooms) AddAlias(_ context.Context, roomID, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[alias] = roomID
	s.record("AddAlias %s %s", roomID, alias)
	return nil
}

func (s *spyRooms) SetCanonicalAlias(_ context.Context, roomID, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.canonicalAlias = alias
	s.record("SetCanonicalAlias %s %s", roomID, alias)
	return nil
}

func (s *spyRooms) SetRoomName(_ context.Context, roomID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOps["SetRoomName"]; err != nil {
		return err
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.name = name
	s.record("SetRoomName %s %s", roomID, name)
	return nil
}

func (s *spyRooms) RoomName(_ context.Context, roomID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return "", ErrNotFound
	}
	return room.name, nil
}

func (s *spyRooms) RoomTopic(_ context.Context, roomID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return "", ErrNotFound
	}
	return room.topic, nil
}

func (s *spyRooms) SetRoomTopic(_ context.Context, roomID, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.topic = topic
	s.record("SetRoomTopic %s %s", roomID, topic)
	return nil
}

func (s *spyRooms) SetRoomAvatar(_ context.Context, roomID, avatarURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.avatar = avatarURL
	s.record("SetRoomAvatar %s %s", roomID, avatarURL)
	return nil
}

func (s *spyRooms) InviteUser(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOps["InviteUser"]; err != nil {
		return err
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.members[userID] = true
	s.record("InviteUser %s %s", roomID, userID)
	return nil
}

func (s *spyRooms) SetUserLevel(_ context.Context, roomID, userID string, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.userLevels[userID] = level
	s.record("SetUserLevel %s %s %d", roomID, userID, level)
	return nil
}

func (s *spyRooms) SetDefaultEventLevel(_ context.Context, roomID string, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.eventsDefault = level
	s.record("SetDefaultEventLevel %s %d", roomID, level)
	return nil
}

func (s *spyRooms) DefaultEventLevel(_ context.Context, roomID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return 0, ErrNotFound
	}
	return room.eventsDefault, nil
}

func (s *spyRooms) SetAtRoomLevel(_ context.Context, roomID string, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.atRoomLevel = level
	s.record("SetAtRoomLevel %s %d", roomID, level)
	return nil
}

func (s *spyRooms) AddRoomToSpace(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.space = append(s.space, roomID)
	s.record("AddRoomToSpace %s", roomID)
	return nil
}

func (s *spyRooms) SpaceRooms(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.space...), nil
}

func (s *spyRooms) SpaceMembers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spaceUsers...), nil
}

func (s *spyRooms) CreateDirectRoom(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRoomNum++
	roomID := fmt.Sprintf("!dm%d:example.com", s.nextRoomNum)
	s.rooms[roomID] = &spyRoom{
		members:    map[string]bool{s.userID: true, userID: true},
		userLevels: make(map[string]int),
	}
	s.directRooms[userID] = roomID
	s.record("CreateDirectRoom %s %s", userID, roomID)
	return roomID, nil
}

func (s *spyRooms) SendNotice(_ context.Context, roomID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices[roomID] = append(s.notices[roomID], text)
	s.record("SendNotice %s", roomID)
	return nil
}

// spyChannels is an in-memory ChannelPlatform mirroring spyRooms.
type spyChannels struct {
	mu        sync.Mutex
	calls     []string
	botID     string
	channels  map[string]*ChannelInfo
	members   map[string]map[string]bool
	usernames map[string]string
	teamUsers []string
	posts     map[string][]string
	nextNum   int
	failOps   map[string]error
}

var _ ChannelPlatform = (*spyChannels)(nil)

func newSpyChannels() *spyChannels {
	return &spyChannels{
		botID:     "mmbotid",
		channels:  make(map[string]*ChannelInfo),
		members:   make(map[string]map[string]bool),
		usernames: make(map[string]string),
		posts:     make(map[string][]string),
		failOps:   make(map[string]error),
	}
}

func (s *spyChannels) record(format string, args ...any) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

func (s *spyChannels) callCount(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// addChannel seeds an existing channel.
func (s *spyChannels) addChannel(id, name, displayName, topic string) *ChannelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := &ChannelInfo{ID: id, Name: name, DisplayName: displayName, Topic: topic}
	s.channels[id] = info
	s.members[id] = map[string]bool{s.botID: true}
	return info
}

func (s *spyChannels) channel(t *testing.T, channelID string) ChannelInfo {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.channels[channelID]
	if !ok {
		t.Fatalf("channel %s does not exist", channelID)
	}
	return *info
}

func (s *spyChannels) BotUserID() string { return s.botID }

func (s *spyChannels) CreateChannel(_ context.Context, name, displayName, topic string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOps["CreateChannel"]; err != nil {
		return "", err
	}
	s.nextNum++
	id := fmt.Sprintf("chan%d", s.nextNum)
	s.channels[id] = &ChannelInfo{ID: id, Name: name, DisplayName: displayName, Topic: topic}
	s.members[id] = map[string]bool{s.botID: true}
	s.record("CreateChannel %s %s", id, name)
	return id, nil
}

func (s *spyChannels) RenameChannel(_ context.Context, channelID, name, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	info.Name = name
	info.DisplayName = displayName
	s.record("RenameChannel %s %s", channelID, displayName)
	return nil
}

func (s *spyChannels) SetChannelTopic(_ context.Context, channelID, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	info.Topic = topic
	s.record("SetChannelTopic %s %s", channelID, topic)
	return nil
}

func (s *spyChannels) ChannelInfo(_ context.Context, channelID string) (*ChannelInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *info
	return &cp, nil
}

func (s *spyChannels) ListChannels(_ context.Context) ([]ChannelInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOps["ListChannels"]; err != nil {
		return nil, err
	}
	var out []ChannelInfo
	for _, info := range s.channels {
		out = append(out, *info)
	}
	return out, nil
}

func (s *spyChannels) ChannelMembers(_ context.Context, channelID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for member := range s.members[channelID] {
		out = append(out, member)
	}
	return out, nil
}

func (s *spyChannels) AddChannelMember(_ context.Context, channelID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[channelID] == nil {
		s.members[channelID] = make(map[string]bool)
	}
	s.members[channelID][userID] = true
	s.record("AddChannelMember %s %s", channelID, userID)
	return nil
}

func (s *spyChannels) ArchiveChannel(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOps["ArchiveChannel"]; err != nil {
		return err
	}
	info, ok := s.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	info.Archived = true
	s.record("ArchiveChannel %s", channelID)
	return nil
}

func (s *spyChannels) UnarchiveChannel(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	info.Archived = false
	s.record("UnarchiveChannel %s", channelID)
	return nil
}

func (s *spyChannels) OpenDirectChannel(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextNum++
	id := fmt.Sprintf("dm%d", s.nextNum)
	s.channels[id] = &ChannelInfo{ID: id}
	s.record("OpenDirectChannel %s %s", userID, id)
	return id, nil
}

func (s *spyChannels) PostMessage(_ context.Context, channelID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[channelID] = append(s.posts[channelID], text)
	s.record("PostMessage %s", channelID)
	return nil
}

func (s *spyChannels) LookupUserID(_ context.Context, username string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usernames[username]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *spyChannels) ListUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.teamUsers...), nil
}
