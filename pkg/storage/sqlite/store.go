// Package sqlite persists guild channel mappings, mute flags and reward
// state in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"wynnbridge/pkg/bus"
	"wynnbridge/pkg/effects"
	"wynnbridge/pkg/storage"
	"wynnbridge/pkg/storage/sqlite/migrations"
	"wynnbridge/pkg/username"
)

// Store is the SQLite backend for the channel resolver, mute registry and
// reward ledger.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens or creates the database at path and applies pending migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps concurrent ledger writes from tripping SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return s.sqlDB.PingContext(ctx)
}

// ChannelForGuild returns the output channel mapped to guildID, or
// bus.NoChannel when none is configured.
func (s *Store) ChannelForGuild(ctx context.Context, guildID string) (string, error) {
	var channel string
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT channel_id FROM guild_channels WHERE guild_id = ?", guildID,
	).Scan(&channel)
	if errors.Is(err, sql.ErrNoRows) {
		return bus.NoChannel, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup channel for %s: %w", guildID, err)
	}
	return channel, nil
}

// SetChannel maps guildID to channel.
func (s *Store) SetChannel(ctx context.Context, guildID, channel string) error {
	guildID = strings.TrimSpace(guildID)
	channel = strings.TrimSpace(channel)
	if guildID == "" || channel == "" {
		return fmt.Errorf("guild id and channel are required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO guild_channels (guild_id, channel_id, updated_at) VALUES (?, ?, ?)
ON CONFLICT (guild_id) DO UPDATE SET channel_id = excluded.channel_id, updated_at = excluded.updated_at`,
		guildID, channel, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("set channel for %s: %w", guildID, err)
	}
	return nil
}

// ClearChannel removes the mapping for guildID.
func (s *Store) ClearChannel(ctx context.Context, guildID string) error {
	res, err := s.sqlDB.ExecContext(ctx, "DELETE FROM guild_channels WHERE guild_id = ?", guildID)
	if err != nil {
		return fmt.Errorf("clear channel for %s: %w", guildID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// IsMuted reports whether name is muted. Unknown users are not muted.
func (s *Store) IsMuted(ctx context.Context, name string) (bool, error) {
	key := username.Key(name)
	if key == "" {
		return false, nil
	}

	var muted bool
	err := s.sqlDB.QueryRowContext(ctx, "SELECT muted FROM users WHERE username_key = ?", key).Scan(&muted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup mute for %s: %w", name, err)
	}
	return muted, nil
}

// SetMuted sets the mute flag for name, creating the user when needed.
func (s *Store) SetMuted(ctx context.Context, name string, muted bool) error {
	key := username.Key(name)
	if key == "" {
		return fmt.Errorf("username is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (username_key, username, muted, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (username_key) DO UPDATE SET muted = excluded.muted, updated_at = excluded.updated_at`,
		key, strings.TrimSpace(name), muted, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("set mute for %s: %w", name, err)
	}
	return nil
}

// CreateRaid persists raid with a fresh id and returns the stored record.
func (s *Store) CreateRaid(ctx context.Context, guildID string, raid effects.Raid) (effects.Raid, error) {
	if err := ctx.Err(); err != nil {
		return effects.Raid{}, err
	}
	if raid.ID == "" {
		raid.ID = uuid.NewString()
	}
	if raid.CompletedAt.IsZero() {
		raid.CompletedAt = s.now()
	}
	raid.CompletedAt = raid.CompletedAt.UTC().Truncate(time.Millisecond)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return effects.Raid{}, fmt.Errorf("begin raid write: %w", err)
	}
	rollbackWith := func(cause error) (effects.Raid, error) {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return effects.Raid{}, fmt.Errorf("%w: rollback raid write: %v", cause, rollbackErr)
		}
		return effects.Raid{}, cause
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO raids (id, guild_id, raid_name, completed_at) VALUES (?, ?, ?, ?)",
		raid.ID, guildID, raid.Name, toMillis(raid.CompletedAt),
	); err != nil {
		return rollbackWith(fmt.Errorf("insert raid: %w", err))
	}
	for i, participant := range raid.Participants {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO raid_participants (raid_id, position, username) VALUES (?, ?, ?)",
			raid.ID, i, participant,
		); err != nil {
			return rollbackWith(fmt.Errorf("insert raid participant: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return effects.Raid{}, fmt.Errorf("commit raid write: %w", err)
	}
	return raid, nil
}

// Raids lists guildID's raids, oldest first.
func (s *Store) Raids(ctx context.Context, guildID string) ([]effects.Raid, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT r.id, r.raid_name, r.completed_at, p.username
FROM raids r
JOIN raid_participants p ON p.raid_id = r.id
WHERE r.guild_id = ?
ORDER BY r.completed_at, r.id, p.position`, guildID)
	if err != nil {
		return nil, fmt.Errorf("list raids: %w", err)
	}
	defer rows.Close()

	var out []effects.Raid
	for rows.Next() {
		var (
			id, name, participant string
			completedAt           int64
		)
		if err := rows.Scan(&id, &name, &completedAt, &participant); err != nil {
			return nil, fmt.Errorf("scan raid: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, effects.Raid{ID: id, Name: name, CompletedAt: fromMillis(completedAt)})
		}
		last := &out[len(out)-1]
		last.Participants = append(last.Participants, participant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raids: %w", err)
	}
	return out, nil
}

// AdjustRewards adds delta to name's reward counter in guildID.
func (s *Store) AdjustRewards(ctx context.Context, guildID, name string, delta float64) error {
	key := username.Key(name)
	if key == "" {
		return fmt.Errorf("username is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO guild_rewards (guild_id, username_key, username, rewards, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (guild_id, username_key) DO UPDATE SET
    rewards = rewards + excluded.rewards,
    username = excluded.username,
    updated_at = excluded.updated_at`,
		guildID, key, strings.TrimSpace(name), delta, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("adjust rewards for %s: %w", name, err)
	}
	return nil
}

// Rewards returns name's reward counter in guildID.
func (s *Store) Rewards(ctx context.Context, guildID, name string) (float64, error) {
	var rewards float64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT rewards FROM guild_rewards WHERE guild_id = ? AND username_key = ?",
		guildID, username.Key(name),
	).Scan(&rewards)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup rewards for %s: %w", name, err)
	}
	return rewards, nil
}

// AddTomeWaitlist queues name for a guild tome.
func (s *Store) AddTomeWaitlist(ctx context.Context, guildID, name string) error {
	key := username.Key(name)
	if key == "" {
		return fmt.Errorf("username is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO tome_waitlist (guild_id, username_key, username, requested_at) VALUES (?, ?, ?, ?)
ON CONFLICT (guild_id, username_key) DO NOTHING`,
		guildID, key, strings.TrimSpace(name), toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("add %s to tome waitlist: %w", name, err)
	}
	return nil
}

// TomeWaitlist lists guildID's pending tome requests, oldest first.
func (s *Store) TomeWaitlist(ctx context.Context, guildID string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT username FROM tome_waitlist WHERE guild_id = ? ORDER BY requested_at, username_key", guildID)
	if err != nil {
		return nil, fmt.Errorf("list tome waitlist: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan tome waitlist: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// ClearTome removes name's pending tome request. Clearing an absent request
// is not an error.
func (s *Store) ClearTome(ctx context.Context, guildID, name string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM tome_waitlist WHERE guild_id = ? AND username_key = ?",
		guildID, username.Key(name),
	)
	if err != nil {
		return fmt.Errorf("clear tome for %s: %w", name, err)
	}
	return nil
}
