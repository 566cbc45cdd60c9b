package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Admin tool errors callers branch on for exit codes and messages.
var (
	ErrDuplicateExclusion = errors.New("exclusion already exists")
	ErrExclusionNotFound  = errors.New("exclusion not found")
)

const pgUniqueViolation = "23505"

// Exclusion is one row of the exclusions table as shown by the admin tool.
type Exclusion struct {
	ID        int64
	Type      string
	Value     string
	Notes     string
	CreatedAt time.Time
}

func (s *Store) ListExclusions(ctx context.Context) ([]Exclusion, error) {
	rows, err := s.db.Query(ctx, `SELECT id, type, value, COALESCE(notes, ''), created_at FROM exclusions ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("list exclusions: %w", err)
	}
	defer rows.Close()

	var out []Exclusion
	for rows.Next() {
		var e Exclusion
		if err := rows.Scan(&e.ID, &e.Type, &e.Value, &e.Notes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exclusion: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exclusions: %w", err)
	}
	return out, nil
}

// AddExclusion inserts one rule. (type, value) is unique; duplicates return
// ErrDuplicateExclusion.
func (s *Store) AddExclusion(ctx context.Context, typ, value, notes string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO exclusions (type, value, notes) VALUES ($1, $2, NULLIF($3, '')) RETURNING id;`,
		typ, value, notes,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, ErrDuplicateExclusion
		}
		return 0, fmt.Errorf("add exclusion: %w", err)
	}
	return id, nil
}

func (s *Store) RemoveExclusion(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM exclusions WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("remove exclusion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExclusionNotFound
	}
	return nil
}
