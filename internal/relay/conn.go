// ABOUTME: A single persistent relay connection with subscription-based fetches.
// ABOUTME: Routes inbound frames to pending subscriptions by id; one read loop per connection.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/wotgraph/internal/identity"
)

// ErrConnClosed indicates the connection was torn down while a fetch was
// outstanding. The pending fetch resolves with this error instead of blocking.
var ErrConnClosed = errors.New("relay connection closed")

// ErrFetchTimeout indicates no end-of-stream arrived within the request timeout.
var ErrFetchTimeout = errors.New("fetch timed out")

// ErrFetchRejected indicates the relay rejected the subscription.
var ErrFetchRejected = errors.New("fetch rejected by relay")

// subscription tracks one in-flight REQ until end-of-stream.
type subscription struct {
	best     *Event // newest matching event by author-claimed timestamp
	rejected bool
	reason   string
	done     chan struct{}
}

// Conn is one persistent relay connection. Fetches are bounded by a
// per-connection in-flight cap and paced by an adaptive delay.
type Conn struct {
	URL string

	ws     *websocket.Conn
	logger *slog.Logger
	delay  *adaptiveDelay
	slots  chan struct{}

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu      sync.Mutex
	pending map[string]*subscription
	closed  bool
	done    chan struct{}

	inFlight   atomic.Int64
	errorCount atomic.Int64

	requestTimeout time.Duration
}

// dial opens a connection to one relay URL, bounded by the context deadline.
func dial(ctx context.Context, url string, cfg Config, logger *slog.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	c := &Conn{
		URL:            url,
		ws:             ws,
		logger:         logger.With("relay", url),
		delay:          newAdaptiveDelay(cfg.BaseDelay, cfg.MaxDelay, cfg.SuccessRun),
		slots:          make(chan struct{}, cfg.MaxInFlight),
		pending:        make(map[string]*subscription),
		done:           make(chan struct{}),
		requestTimeout: cfg.RequestTimeout,
	}
	go c.readLoop()
	return c, nil
}

// Fetch requests the newest contact-list event authored by id. It returns
// (nil, nil) when the relay has no such event, a valid "checked, nothing
// found" answer, and an error on timeout, rejection, or teardown.
func (c *Conn) Fetch(ctx context.Context, id identity.Identity) (*Event, error) {
	select {
	case c.slots <- struct{}{}:
	case <-c.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.inFlight.Add(1)
	defer func() {
		c.inFlight.Add(-1)
		<-c.slots
	}()

	if err := c.delay.Wait(ctx); err != nil {
		return nil, err
	}

	subID := uuid.NewString()
	sub := &subscription{done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[subID] = sub
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, subID)
		c.mu.Unlock()
	}()

	frame, err := reqFrame(subID, contactsFilter(id))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if err := c.write(frame); err != nil {
		c.recordError()
		return nil, fmt.Errorf("sending request: %w", err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case <-sub.done:
	case <-timer.C:
		c.unsubscribe(subID)
		c.recordError()
		return nil, ErrFetchTimeout
	case <-c.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		c.unsubscribe(subID)
		return nil, ctx.Err()
	}

	c.unsubscribe(subID)

	c.mu.Lock()
	best, rejected, reason := sub.best, sub.rejected, sub.reason
	c.mu.Unlock()

	if rejected {
		c.recordError()
		return nil, fmt.Errorf("%w: %s", ErrFetchRejected, reason)
	}
	c.delay.RecordSuccess()
	return best, nil
}

// write sends one text frame; gorilla permits a single concurrent writer.
func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// unsubscribe tells the relay we are done with a subscription. Best effort.
func (c *Conn) unsubscribe(subID string) {
	frame, err := closeFrame(subID)
	if err != nil {
		return
	}
	if err := c.write(frame); err != nil {
		c.logger.Debug("unsubscribe failed", "sub_id", subID, "error", err)
	}
}

// readLoop dispatches inbound frames to pending subscriptions until the
// socket errors or the connection is closed.
func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.mu.Unlock()
			if !wasClosed {
				c.logger.Warn("relay connection dropped", "error", err)
			}
			c.Close()
			return
		}

		frame, err := parseServerFrame(data)
		if err != nil {
			c.logger.Warn("unparseable frame from relay", "error", err)
			c.recordError()
			continue
		}
		c.dispatch(frame)
	}
}

// dispatch routes one server frame to its pending subscription.
func (c *Conn) dispatch(frame serverFrame) {
	switch frame.Type {
	case "EVENT":
		c.mu.Lock()
		sub, ok := c.pending[frame.SubID]
		if ok && frame.Event.Kind == KindContacts {
			if sub.best == nil || frame.Event.CreatedAt > sub.best.CreatedAt {
				sub.best = frame.Event
			}
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("event for unknown subscription", "sub_id", frame.SubID)
		}
	case "EOSE":
		c.resolve(frame.SubID, false, "")
	case "CLOSED":
		c.resolve(frame.SubID, true, frame.Reason)
	case "NOTICE":
		// Relay-level throttle or complaint; raise this connection's delay.
		c.logger.Warn("notice from relay", "message", frame.Reason)
		c.recordError()
	default:
		c.logger.Debug("ignoring frame", "type", frame.Type)
	}
}

// resolve completes a pending subscription.
func (c *Conn) resolve(subID string, rejected bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.pending[subID]
	if !ok {
		return
	}
	sub.rejected = rejected
	sub.reason = reason
	close(sub.done)
	delete(c.pending, subID)
}

// recordError bumps the error count and the adaptive delay.
func (c *Conn) recordError() {
	c.errorCount.Add(1)
	c.delay.RecordError()
}

// InFlight returns the number of fetches currently holding a slot.
func (c *Conn) InFlight() int {
	return int(c.inFlight.Load())
}

// Delay returns the connection's current inter-request interval.
func (c *Conn) Delay() time.Duration {
	return c.delay.Current()
}

// Errors returns the cumulative error count for this connection.
func (c *Conn) Errors() int64 {
	return c.errorCount.Load()
}

// Alive reports whether the connection is usable.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close tears down the connection. All outstanding fetches resolve as
// ErrConnClosed rather than blocking. Safe to call multiple times.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.pending = make(map[string]*subscription)
	c.mu.Unlock()

	if err := c.ws.Close(); err != nil {
		c.logger.Debug("closing websocket", "error", err)
	}
}
