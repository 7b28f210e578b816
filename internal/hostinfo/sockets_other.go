//go:build !linux

package hostinfo

import (
	"context"

	"github.com/bilal/edr-agent/internal/collector"
	"github.com/bilal/edr-agent/internal/telemetry"
)

type Sockets struct{}

func NewSockets() *Sockets { return &Sockets{} }

func (*Sockets) Sockets(context.Context) ([]telemetry.NetworkConnection, error) {
	return nil, collector.ErrNotImplemented
}
