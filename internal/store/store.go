// Package store persists server state, snapshots, and player sessions to
// PostgreSQL, and derives session transitions by diffing successive
// snapshots.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hootmeow/bf1942-ingest/internal/addr"
	"github.com/hootmeow/bf1942-ingest/internal/exclusions"
)

// database is the query surface the store runs against, satisfied by
// *pgxpool.Pool and swapped for a fake in tests.
type database interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	log              *slog.Logger
	pool             *pgxpool.Pool
	db               database
	offlineThreshold int

	// nowFn is swapped in tests. Timestamps are truncated to whole seconds
	// so snapshot rows and session boundaries line up exactly.
	nowFn func() time.Time
}

// New connects the pool, verifies the connection, and ensures the schema
// exists. A dead database here is fatal; the supervisor shuts down.
func New(ctx context.Context, log *slog.Logger, dsn string, offlineThreshold int) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{
		log:              log,
		pool:             pool,
		db:               pool,
		offlineThreshold: offlineThreshold,
		nowFn: func() time.Time {
			return time.Now().UTC().Truncate(time.Second)
		},
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("set up schema: %w", err)
	}
	log.Info("postgres connection pool established")
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
	s.log.Info("postgres connection pool closed")
}

// KnownAddresses returns every server address ever recorded, used to seed
// the scheduler at startup.
func (s *Store) KnownAddresses(ctx context.Context) ([]addr.Addr, error) {
	rows, err := s.db.Query(ctx, `SELECT ip, port FROM servers;`)
	if err != nil {
		return nil, fmt.Errorf("load known servers: %w", err)
	}
	defer rows.Close()

	var out []addr.Addr
	for rows.Next() {
		var a addr.Addr
		if err := rows.Scan(&a.IP, &a.Port); err != nil {
			return nil, fmt.Errorf("scan known server: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known servers: %w", err)
	}
	return out, nil
}

// LoadExclusions reads the full exclusions table into a fresh snapshot.
// server_id rows with valid generated ip/port columns are stored in
// canonical form; unparsable legacy values keep their original string.
func (s *Store) LoadExclusions(ctx context.Context) (*exclusions.Set, error) {
	rows, err := s.db.Query(ctx, `SELECT type, value, server_ip, server_port FROM exclusions;`)
	if err != nil {
		return nil, fmt.Errorf("load exclusions: %w", err)
	}
	defer rows.Close()

	set := exclusions.NewSet()
	for rows.Next() {
		var (
			typ, value string
			serverIP   *string
			serverPort *int
		)
		if err := rows.Scan(&typ, &value, &serverIP, &serverPort); err != nil {
			return nil, fmt.Errorf("scan exclusion: %w", err)
		}
		switch typ {
		case "gametype":
			set.AddGametype(value)
		case "player_name":
			set.AddPlayerName(value)
		case "server_id":
			if serverIP != nil && serverPort != nil {
				set.AddServer(*serverIP, *serverPort)
			} else if value != "" {
				set.AddServerID(value)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exclusions: %w", err)
	}
	return set, nil
}

// RefreshPlayerStats rebuilds the derived player statistics view.
func (s *Store) RefreshPlayerStats(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `REFRESH MATERIALIZED VIEW mv_player_advanced_stats;`); err != nil {
		return fmt.Errorf("refresh player stats view: %w", err)
	}
	return nil
}
