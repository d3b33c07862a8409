// ABOUTME: Pool of relay connections with least-loaded selection and cross-relay retry.
// ABOUTME: Dials all configured relays in parallel; unreachable ones are excluded.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/wotgraph/internal/identity"
)

// ErrNoRelayReachable indicates that not a single configured relay could
// be reached, or that none remain alive.
var ErrNoRelayReachable = errors.New("no relay reachable")

// Config holds pool-wide connection settings.
type Config struct {
	URLs           []string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxInFlight    int // per connection
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	SuccessRun     int // consecutive successes before the delay shrinks
}

// DefaultConfig returns the documented defaults with no URLs configured.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 15 * time.Second,
		MaxInFlight:    5,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		SuccessRun:     10,
	}
}

// Pool manages one persistent connection per configured relay.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	conns []*Conn
}

// NewPool creates an unconnected pool. Call ConnectAll before fetching.
func NewPool(cfg Config) *Pool {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 5
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &Pool{
		cfg:    cfg,
		logger: slog.Default().With("component", "relay"),
	}
}

// ConnectAll opens all configured relays in parallel, each bounded by the
// connection timeout. Unreachable relays are excluded. Fails only when
// zero relays become reachable.
func (p *Pool) ConnectAll(ctx context.Context) error {
	if len(p.cfg.URLs) == 0 {
		return ErrNoRelayReachable
	}

	var connMu sync.Mutex
	conns := make([]*Conn, 0, len(p.cfg.URLs))

	g, gctx := errgroup.WithContext(ctx)
	for _, url := range p.cfg.URLs {
		url := url
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(gctx, p.cfg.ConnectTimeout)
			defer cancel()

			conn, err := dial(dialCtx, url, p.cfg, p.logger)
			if err != nil {
				p.logger.Warn("relay unreachable", "relay", url, "error", err)
				return nil // exclusion, not failure
			}
			connMu.Lock()
			conns = append(conns, conn)
			connMu.Unlock()
			p.logger.Info("relay connected", "relay", url)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(conns) == 0 {
		return ErrNoRelayReachable
	}

	p.mu.Lock()
	p.conns = conns
	p.mu.Unlock()

	p.logger.Info("relay pool ready", "reachable", len(conns), "configured", len(p.cfg.URLs))
	return nil
}

// Reachable returns the number of currently alive connections.
func (p *Pool) Reachable() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, c := range p.conns {
		if c.Alive() {
			n++
		}
	}
	return n
}

// pick selects the alive connection with the fewest in-flight requests,
// breaking ties by lowest current delay. Connections in skip are excluded.
func (p *Pool) pick(skip map[*Conn]bool) *Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *Conn
	for _, c := range p.conns {
		if !c.Alive() || skip[c] {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		ci, bi := c.InFlight(), best.InFlight()
		if ci < bi || (ci == bi && c.Delay() < best.Delay()) {
			best = c
		}
	}
	return best
}

// Fetch requests the newest contact-list event for id, retrying a failed
// identity on a different connection up to the reachable-connection count
// before giving up. A nil event with nil error means the relays were
// consulted and no contact list exists.
func (p *Pool) Fetch(ctx context.Context, id identity.Identity) (*Event, error) {
	attempts := p.Reachable()
	if attempts == 0 {
		return nil, ErrNoRelayReachable
	}

	tried := make(map[*Conn]bool, attempts)
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn := p.pick(tried)
		if conn == nil {
			break
		}
		tried[conn] = true

		event, err := conn.Fetch(ctx, id)
		if err == nil {
			return event, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		p.logger.Debug("fetch failed, retrying on another relay",
			"identity", id.Hex(), "relay", conn.URL, "error", err)
	}

	if lastErr == nil {
		lastErr = ErrNoRelayReachable
	}
	return nil, fmt.Errorf("fetching %s: %w", id.Hex(), lastErr)
}

// Close tears down every connection, resolving their outstanding fetches.
func (p *Pool) Close() {
	p.mu.RLock()
	conns := p.conns
	p.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
