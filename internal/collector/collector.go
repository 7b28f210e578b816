// Package collector defines the two shapes a telemetry source can take and
// adapts the host providers to them.
package collector

import (
	"context"
	"errors"

	"github.com/bilal/edr-agent/internal/telemetry"
)

// ErrNotImplemented is returned by collectors that have no provider on the
// current platform. It is never replaced by fabricated data.
var ErrNotImplemented = errors.New("collector not implemented on this platform")

// Snapshot is polled once per interval tick.
type Snapshot interface {
	Name() string
	Collect(ctx context.Context) (any, error)
}

// Item is one element of an event stream.
type Item struct {
	Timestamp int64
	Payload   any
}

// EventStream exposes a live, non-restartable sequence of items. The
// channel is closed when the upstream ends or ctx is cancelled.
type EventStream interface {
	Name() string
	Stream(ctx context.Context) (<-chan Item, error)
}

// Set holds the collectors available on this host. Nil members are
// skipped by the supervisor.
type Set struct {
	Process  Snapshot
	Network  Snapshot
	Sessions Snapshot
	Files    EventStream
}

type ProcessLister interface {
	Processes(ctx context.Context) ([]telemetry.ProcessInfo, error)
}

type SocketLister interface {
	Sockets(ctx context.Context) ([]telemetry.NetworkConnection, error)
}

type SessionLister interface {
	Sessions(ctx context.Context) ([]telemetry.UserSession, error)
}

type FileWatcher interface {
	Watch(ctx context.Context) (<-chan telemetry.FileEvent, error)
}

// list keeps empty snapshots encoded as [] rather than null.
func list[T any](items []T, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}
