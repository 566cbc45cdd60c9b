package store

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/hootmeow/bf1942-ingest/internal/exclusions"
)

// Player is the normalized per-player record embedded in snapshots and in
// the servers.info column. Integer fields coerce missing, empty, or
// non-numeric wire values to 0.
type Player struct {
	Name    string  `json:"name"`
	Keyhash *string `json:"keyhash"`
	Score   int     `json:"score"`
	Ping    int     `json:"ping"`
	Team    int     `json:"team"`
	Kills   int     `json:"kills"`
	Deaths  int     `json:"deaths"`
}

func coerceInt(s string) int {
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

// normalizePlayers converts raw wire records to Players, dropping excluded
// names. A record with no name field becomes "N/A", matching what older
// snapshots recorded; a present-but-empty name is kept as-is and later
// skipped by the session index, so it never opens a session.
func normalizePlayers(raw []map[string]string, excl *exclusions.Set) []Player {
	players := make([]Player, 0, len(raw))
	for _, p := range raw {
		name, ok := p["player"]
		if !ok {
			name = "N/A"
		}
		if excl.PlayerExcluded(name) {
			continue
		}
		var keyhash *string
		if v, ok := p["keyhash"]; ok {
			keyhash = &v
		}
		players = append(players, Player{
			Name:    name,
			Keyhash: keyhash,
			Score:   coerceInt(p["score"]),
			Ping:    coerceInt(p["ping"]),
			Team:    coerceInt(p["team"]),
			Kills:   coerceInt(p["kills"]),
			Deaths:  coerceInt(p["deaths"]),
		})
	}
	return players
}

// indexByNorm maps lower-cased names to players. Empty names are skipped;
// when two players share a normalized name the later entry wins.
func indexByNorm(players []Player) map[string]Player {
	idx := make(map[string]Player, len(players))
	for _, p := range players {
		if p.Name == "" {
			continue
		}
		idx[strings.ToLower(p.Name)] = p
	}
	return idx
}

// diffPlayers computes the session transitions between two snapshots.
// joined holds normalized names present only in curr, left those present
// only in prev. Both are sorted so writes are deterministic.
func diffPlayers(prevIdx, currIdx map[string]Player) (joined, left []string) {
	for n := range currIdx {
		if _, ok := prevIdx[n]; !ok {
			joined = append(joined, n)
		}
	}
	for n := range prevIdx {
		if _, ok := currIdx[n]; !ok {
			left = append(left, n)
		}
	}
	sort.Strings(joined)
	sort.Strings(left)
	return joined, left
}

// playersFromSnapshot extracts the normalized player list from a stored
// snapshot's data column. A nil or malformed document yields no players.
func playersFromSnapshot(data []byte) []Player {
	if len(data) == 0 {
		return nil
	}
	var doc struct {
		Players []Player `json:"players"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc.Players
}

// jsonEqual reports semantic equality of two JSON documents, tolerating key
// order and formatting differences between our marshaling and what jsonb
// returns.
func jsonEqual(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
