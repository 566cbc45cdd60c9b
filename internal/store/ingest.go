package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hootmeow/bf1942-ingest/internal/addr"
	"github.com/hootmeow/bf1942-ingest/internal/exclusions"
	"github.com/hootmeow/bf1942-ingest/internal/gamespy"
	"github.com/hootmeow/bf1942-ingest/internal/metrics"
)

const upsertOnlineServerSQL = `
	INSERT INTO servers (ip, port, hostname, status, last_seen, first_seen, consecutive_failures, active_mod, gametype, info)
	VALUES ($1, $2, $3, 'online', $4, $4, 0, $5, $6, $7)
	ON CONFLICT (ip, port) DO UPDATE SET
		hostname = EXCLUDED.hostname, status = 'online', last_seen = EXCLUDED.last_seen,
		consecutive_failures = 0, active_mod = EXCLUDED.active_mod,
		gametype = EXCLUDED.gametype, info = EXCLUDED.info
	RETURNING id;`

const upsertFailedServerSQL = `
	INSERT INTO servers (ip, port, status, last_seen, first_seen, consecutive_failures)
	VALUES ($1, $2, 'offline', $3, $3, 1)
	ON CONFLICT (ip, port) DO UPDATE SET
		last_seen = EXCLUDED.last_seen,
		consecutive_failures = servers.consecutive_failures + 1,
		status = CASE
			WHEN servers.consecutive_failures + 1 >= $4 THEN 'offline'
			ELSE servers.status
		END
	RETURNING id, consecutive_failures;`

const latestSnapshotSQL = `
	SELECT data, raw FROM server_snapshots
	WHERE server_id = $1 ORDER BY timestamp DESC LIMIT 1;`

const closeSessionsSQL = `
	UPDATE player_sessions SET leave_ts = $1
	WHERE server_id = $2 AND player_name_norm = ANY($3) AND leave_ts IS NULL;`

const openSessionSQL = `
	INSERT INTO player_sessions (server_id, player_name, player_name_norm, join_ts, keyhash)
	VALUES ($1, $2, $3, $4, $5);`

const insertSnapshotSQL = `
	INSERT INTO server_snapshots (server_id, timestamp, data, raw)
	VALUES ($1, $2, $3, $4);`

// RecordSuccess ingests one successful probe: upsert the server row, advance
// player sessions against the prior snapshot, and insert a new snapshot
// unless both the normalized and raw payloads are unchanged. All writes
// share one transaction so a later failure cannot leave a dangling session.
func (s *Store) RecordSuccess(ctx context.Context, a addr.Addr, st *gamespy.Status, excl *exclusions.Set) error {
	ts := s.nowFn()
	info := st.Info

	if excl.ServerExcluded(a.IP, a.Port) {
		s.log.Info("skipping excluded server", "server", a.String())
		return nil
	}
	gametype := getOr(info, "gametype", "N/A")
	if excl.GametypeExcluded(gametype) {
		s.log.Info("skipping server with excluded gametype", "server", a.String(), "gametype", gametype)
		return nil
	}

	players := normalizePlayers(st.Players, excl)

	hostname := getOr(info, "hostname", "N/A")
	mapname := strings.ToLower(getOr(info, "mapname", "N/A"))
	activeMod := getOr(info, "active_mods", "N/A")

	infoToSave := make(map[string]any, len(info)+1)
	for k, v := range info {
		infoToSave[k] = v
	}
	infoToSave["players"] = players
	infoJSON, err := json.Marshal(infoToSave)
	if err != nil {
		return fmt.Errorf("marshal server info: %w", err)
	}

	normalizedData := map[string]any{"mapname": mapname, "players": players}
	dataJSON, err := json.Marshal(normalizedData)
	if err != nil {
		return fmt.Errorf("marshal snapshot data: %w", err)
	}
	rawPayload := map[string]any{"info": st.Info, "players": st.Players}
	rawJSON, err := json.Marshal(rawPayload)
	if err != nil {
		return fmt.Errorf("marshal snapshot raw payload: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var serverID int64
	if err := tx.QueryRow(ctx, upsertOnlineServerSQL,
		a.IP, a.Port, hostname, ts, activeMod, gametype, infoJSON,
	).Scan(&serverID); err != nil {
		return fmt.Errorf("upsert server %s: %w", a.String(), err)
	}

	if mapname != "n/a" {
		if _, err := tx.Exec(ctx, `INSERT INTO unique_maps (id) VALUES ($1) ON CONFLICT DO NOTHING;`, mapname); err != nil {
			return fmt.Errorf("record unique map %q: %w", mapname, err)
		}
	}

	prevData, prevRaw, err := latestSnapshot(ctx, tx, serverID)
	if err != nil {
		return err
	}

	// Sessions advance on every accepted probe, including steady state
	// where the snapshot insert below is skipped.
	if err := s.updateSessions(ctx, tx, serverID, playersFromSnapshot(prevData), players, ts); err != nil {
		return err
	}

	if jsonEqual(prevData, dataJSON) && jsonEqual(prevRaw, rawJSON) {
		s.log.Debug("snapshot unchanged; skipping insert", "server", a.String())
		metrics.SnapshotsDedupedTotal.Inc()
	} else {
		if _, err := tx.Exec(ctx, insertSnapshotSQL, serverID, ts, dataJSON, rawJSON); err != nil {
			return fmt.Errorf("insert snapshot for %s: %w", a.String(), err)
		}
		metrics.SnapshotsInsertedTotal.Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit probe result for %s: %w", a.String(), err)
	}
	return nil
}

// RecordFailure ingests one failed probe. Crossing the offline threshold
// closes every still-open session for the server, converting "player was
// here when the server went dark" into a clean leave.
func (s *Store) RecordFailure(ctx context.Context, a addr.Addr) error {
	ts := s.nowFn()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		serverID int64
		failures int
	)
	if err := tx.QueryRow(ctx, upsertFailedServerSQL,
		a.IP, a.Port, ts, s.offlineThreshold,
	).Scan(&serverID, &failures); err != nil {
		return fmt.Errorf("record failure for %s: %w", a.String(), err)
	}

	if failures >= s.offlineThreshold {
		prevData, _, err := latestSnapshot(ctx, tx, serverID)
		if err != nil {
			return err
		}
		if err := s.updateSessions(ctx, tx, serverID, playersFromSnapshot(prevData), nil, ts); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit failure for %s: %w", a.String(), err)
	}
	return nil
}

// updateSessions closes sessions for players that left before opening rows
// for players that joined, keeping at most one open session per
// (server, normalized name) even when a name leaves and rejoins within one
// poll cycle.
func (s *Store) updateSessions(ctx context.Context, tx pgx.Tx, serverID int64, prev, curr []Player, ts time.Time) error {
	prevIdx := indexByNorm(prev)
	currIdx := indexByNorm(curr)
	joined, left := diffPlayers(prevIdx, currIdx)

	if len(left) > 0 {
		tag, err := tx.Exec(ctx, closeSessionsSQL, ts, serverID, left)
		if err != nil {
			return fmt.Errorf("close player sessions: %w", err)
		}
		metrics.SessionsClosedTotal.Add(float64(tag.RowsAffected()))
	}

	if len(joined) > 0 {
		batch := &pgx.Batch{}
		for _, norm := range joined {
			p := currIdx[norm]
			batch.Queue(openSessionSQL, serverID, p.Name, norm, ts, p.Keyhash)
		}
		br := tx.SendBatch(ctx, batch)
		for range joined {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("open player session: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("close session batch: %w", err)
		}
		metrics.SessionsOpenedTotal.Add(float64(len(joined)))
	}
	return nil
}

func latestSnapshot(ctx context.Context, tx pgx.Tx, serverID int64) (data, raw []byte, err error) {
	err = tx.QueryRow(ctx, latestSnapshotSQL, serverID).Scan(&data, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load latest snapshot: %w", err)
	}
	return data, raw, nil
}

func getOr(m map[string]string, key, def string) string {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}
