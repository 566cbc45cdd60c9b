// Package querier probes one server address, falling back to the standard
// BF1942 query port when the advertised port does not answer.
package querier

import (
	"context"
	"log/slog"
	"time"

	"github.com/hootmeow/bf1942-ingest/internal/addr"
	"github.com/hootmeow/bf1942-ingest/internal/gamespy"
)

// FallbackPort is the standard BF1942 GameSpy query port tried when the
// advertised port fails.
const FallbackPort = 23000

// Prober issues a single GameSpy1 get_status attempt.
type Prober interface {
	GetStatus(ctx context.Context, ip string, port int, timeout time.Duration) (*gamespy.Status, error)
}

type Querier struct {
	log            *slog.Logger
	prober         Prober
	attemptTimeout time.Duration
}

// New builds a Querier. totalTimeout is the whole probe budget; each attempt
// (primary and fallback) gets half of it.
func New(log *slog.Logger, prober Prober, totalTimeout time.Duration) *Querier {
	return &Querier{
		log:            log,
		prober:         prober,
		attemptTimeout: totalTimeout / 2,
	}
}

// Query probes the address. One fallback attempt at most; a single missed
// probe is the failure unit and persistence accumulates failures.
func (q *Querier) Query(ctx context.Context, a addr.Addr) (*gamespy.Status, error) {
	st, primaryErr := q.prober.GetStatus(ctx, a.IP, a.Port, q.attemptTimeout)
	if primaryErr == nil {
		return st, nil
	}
	if a.Port == FallbackPort {
		q.log.Warn("server query failed", "server", a.String(), "error", primaryErr)
		return nil, primaryErr
	}

	q.log.Warn("primary query failed; trying fallback port",
		"server", a.String(),
		"fallback_port", FallbackPort,
		"error", primaryErr,
	)
	st, fallbackErr := q.prober.GetStatus(ctx, a.IP, FallbackPort, q.attemptTimeout)
	if fallbackErr == nil {
		q.log.Info("fallback port succeeded", "server", a.String(), "fallback_port", FallbackPort)
		return st, nil
	}
	q.log.Warn("fallback query failed",
		"server", a.String(),
		"fallback_port", FallbackPort,
		"error", fallbackErr,
	)
	return nil, primaryErr
}
