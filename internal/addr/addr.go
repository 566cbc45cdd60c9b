// Package addr holds the server address value type used as the scheduler's
// identity key across the tracker.
package addr

import (
	"fmt"
	"strconv"
	"strings"
)

// Addr identifies one game server by query address. The canonical string
// form "ip:port" is used as map key and as the exclusions server_id value.
type Addr struct {
	IP   string
	Port int
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// Parse parses the canonical "ip:port" form. The port must be numeric and
// positive; anything else is rejected so legacy free-form exclusion values
// stay string-only.
func Parse(s string) (Addr, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return Addr{}, fmt.Errorf("invalid server address %q", s)
	}
	port, err := strconv.Atoi(s[i+1:])
	if err != nil || port <= 0 || port > 65535 {
		return Addr{}, fmt.Errorf("invalid port in server address %q", s)
	}
	return Addr{IP: s[:i], Port: port}, nil
}
