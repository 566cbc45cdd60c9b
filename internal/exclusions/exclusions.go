// Package exclusions holds the in-memory view of the administrator-authored
// exclusion rules. The whole view is replaced atomically on refresh; readers
// hold one stable snapshot for the duration of a probe.
package exclusions

import (
	"fmt"
	"sync/atomic"
)

// Set is one immutable snapshot of the three exclusion dimensions. Server
// exclusions are stored in canonical "ip:port" form when the row parses;
// free-form legacy values are kept verbatim so they still match on string
// identity.
type Set struct {
	Gametypes   map[string]struct{}
	PlayerNames map[string]struct{}
	ServerIDs   map[string]struct{}
}

func NewSet() *Set {
	return &Set{
		Gametypes:   make(map[string]struct{}),
		PlayerNames: make(map[string]struct{}),
		ServerIDs:   make(map[string]struct{}),
	}
}

func (s *Set) AddGametype(gt string)  { s.Gametypes[gt] = struct{}{} }
func (s *Set) AddPlayerName(n string) { s.PlayerNames[n] = struct{}{} }
func (s *Set) AddServerID(v string)   { s.ServerIDs[v] = struct{}{} }

// AddServer records a parsed server exclusion in canonical form.
func (s *Set) AddServer(ip string, port int) {
	s.ServerIDs[fmt.Sprintf("%s:%d", ip, port)] = struct{}{}
}

func (s *Set) GametypeExcluded(gt string) bool {
	_, ok := s.Gametypes[gt]
	return ok
}

func (s *Set) PlayerExcluded(name string) bool {
	_, ok := s.PlayerNames[name]
	return ok
}

func (s *Set) ServerExcluded(ip string, port int) bool {
	_, ok := s.ServerIDs[fmt.Sprintf("%s:%d", ip, port)]
	return ok
}

// Counts reports set sizes for refresh logging.
func (s *Set) Counts() (gametypes, players, servers int) {
	return len(s.Gametypes), len(s.PlayerNames), len(s.ServerIDs)
}

// Cache publishes the current exclusion snapshot by pointer swap. Readers
// never observe a partially-updated set.
type Cache struct {
	cur atomic.Pointer[Set]
}

func NewCache() *Cache {
	c := &Cache{}
	c.cur.Store(NewSet())
	return c
}

func (c *Cache) Current() *Set { return c.cur.Load() }

func (c *Cache) Replace(s *Set) { c.cur.Store(s) }
