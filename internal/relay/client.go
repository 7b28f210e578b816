// Package relay delivers envelopes to the remote collector and falls back
// to the durable queue whenever a delivery attempt fails.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bilal/edr-agent/internal/clock"
	"github.com/bilal/edr-agent/internal/decision"
	"github.com/bilal/edr-agent/internal/metrics"
	"github.com/bilal/edr-agent/internal/queue"
	"github.com/bilal/edr-agent/internal/telemetry"
)

const DefaultTimeout = 5 * time.Second

// ErrBuffer is returned when an envelope could neither be delivered nor
// persisted. The envelope is lost.
var ErrBuffer = errors.New("relay: envelope could not be buffered")

// Client is safe for concurrent use by any number of collectors. The queue
// is the single serialization point for buffered writes.
type Client struct {
	transport Transport
	queue     *queue.Queue
	timeout   time.Duration
	engine    *decision.Engine
	clock     clock.Clock
	recovered chan struct{}

	mu        sync.Mutex
	lastFlush FlushStatus
}

// FlushResult is the per-entry disposition of one flush pass.
type FlushResult struct {
	Delivered int `json:"delivered"`
	Retained  int `json:"retained"`
	Corrupt   int `json:"corrupt"`
}

// FlushStatus records the outcome of the most recent flush pass.
type FlushStatus struct {
	At     time.Time   `json:"at"`
	Result FlushResult `json:"result"`
	Error  string      `json:"error,omitempty"`
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithEngine lets delivery outcomes drive link state; a transition into
// RECOVERING wakes the flush loop.
func WithEngine(e *decision.Engine) Option {
	return func(c *Client) { c.engine = e }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

func New(t Transport, q *queue.Queue, opts ...Option) *Client {
	c := &Client{
		transport: t,
		queue:     q,
		timeout:   DefaultTimeout,
		clock:     clock.Real(),
		recovered: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if n, err := q.Len(); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
	return c
}

// TransmitOrBuffer wraps payload in an envelope and makes one delivery
// attempt. If the attempt fails the exact body is appended to the queue and
// nil is returned; only a failure to persist is reported.
func (c *Client) TransmitOrBuffer(ctx context.Context, hostname string, timestamp int64, payload any) error {
	body, err := json.Marshal(telemetry.Envelope{
		Hostname:  hostname,
		Timestamp: timestamp,
		Payload:   payload,
	})
	if err != nil {
		metrics.EnvelopesTotal.WithLabelValues("dropped").Inc()
		return fmt.Errorf("%w: encode envelope: %v", ErrBuffer, err)
	}

	err = c.deliver(ctx, body)
	if err == nil {
		metrics.EnvelopesTotal.WithLabelValues("delivered").Inc()
		log.Debug().Int("bytes", len(body)).Msg("envelope delivered")
		return nil
	}

	log.Warn().Err(err).Msg("relay unreachable, queuing locally")
	if qerr := c.queue.Append(body); qerr != nil {
		metrics.EnvelopesTotal.WithLabelValues("dropped").Inc()
		return fmt.Errorf("%w: %v", ErrBuffer, qerr)
	}
	metrics.EnvelopesTotal.WithLabelValues("buffered").Inc()
	metrics.QueueDepth.Inc()
	return nil
}

// Flush replays the queue front to back, one delivery attempt per entry,
// and keeps only the entries that were not delivered.
func (c *Client) Flush(ctx context.Context) (FlushResult, error) {
	dr, err := c.queue.Drain(ctx, func(ctx context.Context, entry []byte) bool {
		return c.deliver(ctx, entry) == nil
	})
	res := FlushResult{Delivered: dr.Delivered, Retained: dr.Retained, Corrupt: dr.Corrupt}

	metrics.FlushEntries.WithLabelValues("delivered").Add(float64(res.Delivered))
	metrics.FlushEntries.WithLabelValues("retained").Add(float64(res.Retained))
	metrics.FlushEntries.WithLabelValues("corrupt").Add(float64(res.Corrupt))
	if n, lerr := c.queue.Len(); lerr == nil {
		metrics.QueueDepth.Set(float64(n))
	}

	status := FlushStatus{At: c.clock.Now(), Result: res}
	switch {
	case err != nil:
		metrics.FlushRuns.WithLabelValues("error").Inc()
		status.Error = err.Error()
	case res.Retained > 0:
		metrics.FlushRuns.WithLabelValues("partial").Inc()
	default:
		metrics.FlushRuns.WithLabelValues("drained").Inc()
	}
	c.mu.Lock()
	c.lastFlush = status
	c.mu.Unlock()

	if res.Delivered > 0 {
		log.Info().Int("delivered", res.Delivered).Int("retained", res.Retained).Msg("flushed entries from relay queue")
	}
	if err != nil {
		return res, fmt.Errorf("flush relay queue: %w", err)
	}
	return res, nil
}

func (c *Client) LastFlush() FlushStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFlush
}

// LinkState reports the current relay link state, or ONLINE when no engine
// is attached.
func (c *Client) LinkState() decision.LinkState {
	if c.engine == nil {
		return decision.Online
	}
	return c.engine.State()
}

// Recovered fires after a delivery succeeds while the link was buffering.
func (c *Client) Recovered() <-chan struct{} {
	return c.recovered
}

func (c *Client) QueueLen() (int, error) {
	return c.queue.Len()
}

func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) deliver(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.transport.Deliver(ctx, body)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	c.observe(err == nil)
	return err
}

func (c *Client) observe(delivered bool) {
	if c.engine == nil {
		return
	}
	state := c.engine.Observe(delivered)
	for _, s := range decision.States {
		v := 0.0
		if s == state {
			v = 1
		}
		metrics.LinkState.WithLabelValues(string(s)).Set(v)
	}
	if state == decision.Recovering {
		select {
		case c.recovered <- struct{}{}:
		default:
		}
	}
}
