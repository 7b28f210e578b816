// Package supervisor runs the collectors selected by the policy, each in
// its own loop, and hands every result to the relay as an envelope.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/bilal/edr-agent/internal/clock"
	"github.com/bilal/edr-agent/internal/collector"
	"github.com/bilal/edr-agent/internal/metrics"
	"github.com/bilal/edr-agent/internal/policy"
)

const (
	DefaultNetworkInterval = 20 * time.Second
	DefaultSessionInterval = 30 * time.Second
)

// Sink receives one envelope per collection. The relay client satisfies it.
type Sink interface {
	TransmitOrBuffer(ctx context.Context, hostname string, timestamp int64, payload any) error
}

// Intervals for the secondary snapshot collectors. The process interval
// always comes from the policy.
type Intervals struct {
	Network time.Duration
	Session time.Duration
}

type job struct {
	snapshot collector.Snapshot
	every    time.Duration
}

type Supervisor struct {
	hostname string
	sink     Sink
	clk      clock.Clock

	jobs    []job
	streams []collector.EventStream
}

func New(hostname string, sink Sink, clk clock.Clock) *Supervisor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Supervisor{hostname: hostname, sink: sink, clk: clk}
}

// Plan selects the collectors for the policy mode: minimal runs only the
// process collector, forensic runs all of them. Nil members of set are
// skipped.
func (s *Supervisor) Plan(p policy.Policy, set collector.Set, iv Intervals) error {
	if p.Interval() <= 0 {
		return fmt.Errorf("collection interval must be positive")
	}
	if iv.Network <= 0 {
		iv.Network = DefaultNetworkInterval
	}
	if iv.Session <= 0 {
		iv.Session = DefaultSessionInterval
	}

	s.jobs, s.streams = nil, nil
	if set.Process != nil {
		s.jobs = append(s.jobs, job{set.Process, p.Interval()})
	}
	if p.Mode != policy.ModeForensic {
		return nil
	}
	if set.Network != nil {
		s.jobs = append(s.jobs, job{set.Network, iv.Network})
	}
	if set.Sessions != nil {
		s.jobs = append(s.jobs, job{set.Sessions, iv.Session})
	}
	if set.Files != nil {
		s.streams = append(s.streams, set.Files)
	}
	return nil
}

// Planned lists the collectors Run will start.
func (s *Supervisor) Planned() []string {
	names := make([]string, 0, len(s.jobs)+len(s.streams))
	for _, j := range s.jobs {
		names = append(names, j.snapshot.Name())
	}
	for _, st := range s.streams {
		names = append(names, st.Name())
	}
	return names
}

// Run blocks until ctx is cancelled. A collector that fails, panics or ends
// never stops the others.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Info().Strs("collectors", s.Planned()).Msg("supervisor started")

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		j := j
		g.Go(func() error { return s.runSnapshot(gctx, j) })
	}
	for _, st := range s.streams {
		st := st
		g.Go(func() error { return s.runStream(gctx, st) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	<-ctx.Done()
	log.Info().Msg("supervisor stopped")
	return nil
}

// minGap is the shortest spacing allowed between two collection starts. A
// tick that was buffered while a slow cycle ran arrives early relative to
// that cycle and is dropped.
func minGap(every time.Duration) time.Duration {
	return every - every/10
}

func (s *Supervisor) runSnapshot(ctx context.Context, j job) error {
	last := s.clk.Now()
	ticker := s.clk.NewTicker(j.every)
	defer ticker.Stop()

	warned := false
	s.collect(ctx, j.snapshot, &warned)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := s.clk.Now()
			if now.Sub(last) < minGap(j.every) {
				log.Debug().Str("collector", j.snapshot.Name()).Msg("skipping stale tick")
				continue
			}
			last = now
			s.collect(ctx, j.snapshot, &warned)
		}
	}
}

func (s *Supervisor) collect(ctx context.Context, c collector.Snapshot, warned *bool) {
	name := c.Name()
	payload, err := safeCollect(ctx, c)
	switch {
	case errors.Is(err, collector.ErrNotImplemented):
		metrics.CollectionsTotal.WithLabelValues(name, "not_implemented").Inc()
		ev := log.Debug()
		if !*warned {
			ev = log.Warn()
			*warned = true
		}
		ev.Str("collector", name).Msg("collector not implemented on this platform")
		return
	case err != nil:
		metrics.CollectionsTotal.WithLabelValues(name, "error").Inc()
		log.Error().Err(err).Str("collector", name).Msg("collection failed, skipping cycle")
		return
	}
	metrics.CollectionsTotal.WithLabelValues(name, "ok").Inc()
	s.emit(ctx, name, s.clk.Now().Unix(), payload)
}

func safeCollect(ctx context.Context, c collector.Snapshot) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector panicked: %v", r)
		}
	}()
	return c.Collect(ctx)
}

func (s *Supervisor) runStream(ctx context.Context, c collector.EventStream) error {
	name := c.Name()
	items, err := safeStream(ctx, c)
	if err != nil {
		if errors.Is(err, collector.ErrNotImplemented) {
			metrics.CollectionsTotal.WithLabelValues(name, "not_implemented").Inc()
			log.Warn().Str("collector", name).Msg("collector not implemented on this platform")
			return nil
		}
		metrics.CollectionsTotal.WithLabelValues(name, "error").Inc()
		log.Error().Err(err).Str("collector", name).Msg("event stream failed to start")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case it, ok := <-items:
			if !ok {
				log.Warn().Str("collector", name).Msg("event stream ended")
				return nil
			}
			metrics.CollectionsTotal.WithLabelValues(name, "ok").Inc()
			s.emit(ctx, name, it.Timestamp, it.Payload)
		}
	}
}

func safeStream(ctx context.Context, c collector.EventStream) (items <-chan collector.Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector panicked: %v", r)
		}
	}()
	return c.Stream(ctx)
}

func (s *Supervisor) emit(ctx context.Context, name string, ts int64, payload any) {
	if err := s.sink.TransmitOrBuffer(ctx, s.hostname, ts, payload); err != nil {
		log.Error().Err(err).Str("collector", name).Msg("envelope lost: neither delivered nor buffered")
	}
}
