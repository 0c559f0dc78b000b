// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed upgrades/*.sql
var upgradeFS embed.FS

var upgradeTable dbutil.UpgradeTable

func init() {
	upgradeTable.RegisterFSPath(upgradeFS, "upgrades")
}

// Link is the persisted 1:1 association between a Matrix room and a
// Mattermost channel. ChannelID is empty for archived links whose channel
// side has been unlinked.
type Link struct {
	RoomID        string    `json:"room_id"`
	ChannelID     string    `json:"channel_id,omitempty"`
	CanonicalName string    `json:"canonical_name"`
	Archived      bool      `json:"archived"`
	CreatedAt     time.Time `json:"created_at"`
}

// RoomOptions is the per-room flag set consulted before mirroring metadata
// changes. Absent rows read as false.
type RoomOptions struct {
	SkipRoomDescription bool
	SkipRoomName        bool
	IsArchived          bool
}

// Option keys for Store.SetOption.
const (
	OptionSkipRoomDescription = "skip_room_description"
	OptionSkipRoomName        = "skip_room_name"
	OptionIsArchived          = "is_archived"
)

// Store is the durable identity mapping between rooms and channels, plus the
// auxiliary sets (room options, direct-message index, seen channels,
// autoinvite users). All writes are synchronous: a crash between "room
// created" and "mapping persisted" is recovered by the next bulk sweep
// re-deriving the mapping from the canonical alias.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// NewStore opens (or creates) the SQLite database at the given URI and runs
// schema upgrades.
func NewStore(ctx context.Context, uri string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.Owner = "roomsync"
	db.VersionTable = "roomsync_version"
	db.UpgradeTable = upgradeTable
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "store").Logger())
	if err := db.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ResolvePeer returns the live peer entity ID for the given entity, looking
// up by room ID when source is PlatformMatrix and by channel ID otherwise.
// Returns ErrNotFound on a miss or when the link's channel side is unlinked.
func (s *Store) ResolvePeer(ctx context.Context, entityID string, source Platform) (string, error) {
	var peer sql.NullString
	var err error
	switch source {
	case PlatformMatrix:
		err = s.db.QueryRow(ctx, "SELECT channel_id FROM link WHERE room_id=$1", entityID).Scan(&peer)
	case PlatformMattermost:
		err = s.db.QueryRow(ctx, "SELECT room_id FROM link WHERE channel_id=$1", entityID).Scan(&peer)
	default:
		return "", fmt.Errorf("unknown platform %q", source)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}
	if !peer.Valid || peer.String == "" {
		return "", ErrNotFound
	}
	return peer.String, nil
}

// GetLinkByRoom returns the link for a room ID, or ErrNotFound.
func (s *Store) GetLinkByRoom(ctx context.Context, roomID string) (*Link, error) {
	return s.scanLink(s.db.QueryRow(ctx,
		"SELECT room_id, channel_id, canonical_name, archived, created_at FROM link WHERE room_id=$1",
		roomID))
}

// GetLinkByChannel returns the link for a channel ID, or ErrNotFound.
func (s *Store) GetLinkByChannel(ctx context.Context, channelID string) (*Link, error) {
	return s.scanLink(s.db.QueryRow(ctx,
		"SELECT room_id, channel_id, canonical_name, archived, created_at FROM link WHERE channel_id=$1",
		channelID))
}

func (s *Store) scanLink(row *sql.Row) (*Link, error) {
	var link Link
	var channelID sql.NullString
	var createdAt int64
	err := row.Scan(&link.RoomID, &channelID, &link.CanonicalName, &link.Archived, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	link.ChannelID = channelID.String
	link.CreatedAt = time.UnixMilli(createdAt)
	return &link, nil
}

// PutLink upserts a room↔channel link. It fails with ErrConflict if either
// side is already linked to a different peer: that is surfaced, never
// silently overwritten, since it indicates a topology bug upstream. The
// check-and-set runs inside a transaction to keep the uniqueness invariant
// atomic.
func (s *Store) PutLink(ctx context.Context, roomID, channelID, canonicalName string) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		var existingChannel sql.NullString
		err := s.db.QueryRow(ctx, "SELECT channel_id FROM link WHERE room_id=$1", roomID).Scan(&existingChannel)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil && existingChannel.Valid && existingChannel.String != "" && existingChannel.String != channelID {
			return fmt.Errorf("%w: room %s is linked to channel %s", ErrConflict, roomID, existingChannel.String)
		}
		var existingRoom string
		err = s.db.QueryRow(ctx, "SELECT room_id FROM link WHERE channel_id=$1", channelID).Scan(&existingRoom)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil && existingRoom != roomID {
			return fmt.Errorf("%w: channel %s is linked to room %s", ErrConflict, channelID, existingRoom)
		}
		_, err = s.db.Exec(ctx, `
			INSERT INTO link (room_id, channel_id, canonical_name, archived, created_at)
			VALUES ($1, $2, $3, false, $4)
			ON CONFLICT (room_id) DO UPDATE
				SET channel_id=excluded.channel_id,
				    canonical_name=excluded.canonical_name,
				    archived=false
		`, roomID, channelID, canonicalName, time.Now().UnixMilli())
		return err
	})
}

// SetCanonicalName updates the authoritative human name of a link.
func (s *Store) SetCanonicalName(ctx context.Context, roomID, name string) error {
	_, err := s.db.Exec(ctx, "UPDATE link SET canonical_name=$1 WHERE room_id=$2", name, roomID)
	return err
}

// MarkArchived soft-archives a link and unlinks its channel side so a future
// channel with the same name does not collide. Idempotent.
func (s *Store) MarkArchived(ctx context.Context, roomID string) error {
	_, err := s.db.Exec(ctx, "UPDATE link SET archived=true, channel_id=NULL WHERE room_id=$1", roomID)
	return err
}

// UnmarkArchived clears the archived flag. Idempotent.
func (s *Store) UnmarkArchived(ctx context.Context, roomID string) error {
	_, err := s.db.Exec(ctx, "UPDATE link SET archived=false WHERE room_id=$1", roomID)
	return err
}

// AllLinks returns every link, live and archived.
func (s *Store) AllLinks(ctx context.Context) ([]*Link, error) {
	rows, err := s.db.Query(ctx,
		"SELECT room_id, channel_id, canonical_name, archived, created_at FROM link ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var links []*Link
	for rows.Next() {
		var link Link
		var channelID sql.NullString
		var createdAt int64
		if err := rows.Scan(&link.RoomID, &channelID, &link.CanonicalName, &link.Archived, &createdAt); err != nil {
			return nil, err
		}
		link.ChannelID = channelID.String
		link.CreatedAt = time.UnixMilli(createdAt)
		links = append(links, &link)
	}
	return links, rows.Err()
}

// GetOptions returns the room's option flags, with empty defaults when no
// rows exist.
func (s *Store) GetOptions(ctx context.Context, roomID string) (RoomOptions, error) {
	var opts RoomOptions
	rows, err := s.db.Query(ctx, "SELECT key, value FROM room_option WHERE room_id=$1", roomID)
	if err != nil {
		return opts, err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var value bool
		if err := rows.Scan(&key, &value); err != nil {
			return opts, err
		}
		switch key {
		case OptionSkipRoomDescription:
			opts.SkipRoomDescription = value
		case OptionSkipRoomName:
			opts.SkipRoomName = value
		case OptionIsArchived:
			opts.IsArchived = value
		}
	}
	return opts, rows.Err()
}

// SetOption upserts a single room option flag.
func (s *Store) SetOption(ctx context.Context, roomID, key string, value bool) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO room_option (room_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (room_id, key) DO UPDATE SET value=excluded.value
	`, roomID, key, value)
	return err
}

// DirectRoom returns the 1:1 room recorded for a user, or ErrNotFound.
func (s *Store) DirectRoom(ctx context.Context, userID string) (string, error) {
	var roomID string
	err := s.db.QueryRow(ctx, "SELECT room_id FROM direct_room WHERE user_id=$1", userID).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return roomID, err
}

// SetDirectRoom records the 1:1 room used for welcome messages to a user.
func (s *Store) SetDirectRoom(ctx context.Context, userID, roomID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO direct_room (user_id, room_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET room_id=excluded.room_id
	`, userID, roomID)
	return err
}

// IsChannelSeen reports whether a bulk sweep already processed this channel.
func (s *Store) IsChannelSeen(ctx context.Context, channelID string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, "SELECT 1 FROM seen_channel WHERE channel_id=$1", channelID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// MarkChannelSeen records a channel as processed. Entries are never removed.
func (s *Store) MarkChannelSeen(ctx context.Context, channelID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO seen_channel (channel_id, seen_at) VALUES ($1, $2)
		ON CONFLICT (channel_id) DO NOTHING
	`, channelID, time.Now().UnixMilli())
	return err
}

// AutoInviteUsers returns the users who opted into invitations to new rooms.
func (s *Store) AutoInviteUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, "SELECT user_id FROM autoinvite_user ORDER BY user_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// SetAutoInvite enables or disables autoinvite for a user. Returns true if
// the stored state changed.
func (s *Store) SetAutoInvite(ctx context.Context, userID string, enabled bool) (bool, error) {
	var res sql.Result
	var err error
	if enabled {
		res, err = s.db.Exec(ctx, "INSERT INTO autoinvite_user (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING", userID)
	} else {
		res, err = s.db.Exec(ctx, "DELETE FROM autoinvite_user WHERE user_id=$1", userID)
	}
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}
