// Package gamespy implements the outbound side of the GameSpy1 query
// protocol: a single \status\ request over UDP, multi-packet response
// reassembly, and decoding into server info plus per-player records.
package gamespy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	statusRequest = `\status\`

	// Responses are small; one read buffer comfortably holds the largest
	// fragment a BF1942 server emits.
	maxPacketSize = 8192
)

// Status is the decoded result of one successful get_status probe. All
// fields are stringly typed as received on the wire; normalization happens
// downstream.
type Status struct {
	Info    map[string]string
	Players []map[string]string
}

type Client struct {
	log *slog.Logger
}

func NewClient(log *slog.Logger) *Client {
	return &Client{log: log}
}

// GetStatus sends one \status\ query and waits for the complete response.
// The timeout bounds the whole exchange. Fragments carry a part number in
// \queryid\N.M and the last one is marked with \final\; fragments may
// arrive out of order.
func (c *Client) GetStatus(ctx context.Context, ip string, port int, timeout time.Duration) (*Status, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", ip, port, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	if _, err := conn.Write([]byte(statusRequest)); err != nil {
		return nil, fmt.Errorf("send status query to %s:%d: %w", ip, port, err)
	}

	fragments := make(map[int][]field)
	lastPart := -1
	buf := make([]byte, maxPacketSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read status response from %s:%d: %w", ip, port, err)
		}
		part, final, fields := splitFragment(string(buf[:n]))
		if part <= 0 {
			// No queryid: some servers answer in one unnumbered packet.
			part = 1
		}
		fragments[part] = fields
		if final {
			lastPart = part
		}
		if lastPart > 0 && complete(fragments, lastPart) {
			break
		}
	}

	if lastPart > 1 {
		c.log.Debug("reassembled multi-packet status response",
			"server", net.JoinHostPort(ip, strconv.Itoa(port)),
			"packets", lastPart,
		)
	}

	var all []field
	for i := 1; i <= lastPart; i++ {
		all = append(all, fragments[i]...)
	}
	return assemble(all), nil
}

type field struct {
	key   string
	value string
}

// splitFragment decodes one response datagram into its fields, stripping the
// transport-level queryid and final markers. Returns the 1-based part number
// (0 if absent) and whether this fragment is the final one.
func splitFragment(payload string) (part int, final bool, fields []field) {
	// \final\ is a bare marker, not a key/value pair; drop it before
	// pairing so the remaining fields stay aligned.
	if strings.Contains(payload, `\final\`) || strings.HasSuffix(payload, `\final`) {
		final = true
		payload = strings.ReplaceAll(payload, `\final\`, `\`)
		payload = strings.TrimSuffix(payload, `\final`)
	}

	parts := strings.Split(strings.TrimPrefix(payload, `\`), `\`)
	for i := 0; i < len(parts); i += 2 {
		key := parts[i]
		value := ""
		if i+1 < len(parts) {
			value = parts[i+1]
		}
		switch key {
		case "queryid":
			if j := strings.LastIndex(value, "."); j >= 0 {
				if p, err := strconv.Atoi(value[j+1:]); err == nil {
					part = p
				}
			} else if p, err := strconv.Atoi(value); err == nil {
				part = p
			}
		case "":
		default:
			fields = append(fields, field{key: key, value: value})
		}
	}
	return part, final, fields
}

func complete(fragments map[int][]field, last int) bool {
	for i := 1; i <= last; i++ {
		if _, ok := fragments[i]; !ok {
			return false
		}
	}
	return true
}

// assemble splits fields into server info and per-player records. A key of
// the form <name>_<index> with a numeric index is a player field; everything
// else is server info.
func assemble(fields []field) *Status {
	info := make(map[string]string)
	byIndex := make(map[int]map[string]string)
	maxIndex := -1
	for _, f := range fields {
		name, idx, ok := playerField(f.key)
		if !ok {
			info[f.key] = f.value
			continue
		}
		p, exists := byIndex[idx]
		if !exists {
			p = make(map[string]string)
			byIndex[idx] = p
		}
		p[name] = f.value
		if idx > maxIndex {
			maxIndex = idx
		}
	}
	players := make([]map[string]string, 0, len(byIndex))
	for i := 0; i <= maxIndex; i++ {
		if p, ok := byIndex[i]; ok {
			players = append(players, p)
		}
	}
	return &Status{Info: info, Players: players}
}

func playerField(key string) (name string, index int, ok bool) {
	i := strings.LastIndex(key, "_")
	if i <= 0 || i == len(key)-1 {
		return "", 0, false
	}
	idx, err := strconv.Atoi(key[i+1:])
	if err != nil || idx < 0 {
		return "", 0, false
	}
	return key[:i], idx, true
}
