package collector

import (
	"context"

	"github.com/bilal/edr-agent/internal/telemetry"
)

type ProcessCollector struct {
	lister ProcessLister
}

func NewProcessCollector(l ProcessLister) *ProcessCollector {
	return &ProcessCollector{lister: l}
}

func (c *ProcessCollector) Name() string { return "process" }

func (c *ProcessCollector) Collect(ctx context.Context) (any, error) {
	if c.lister == nil {
		return nil, ErrNotImplemented
	}
	return list[telemetry.ProcessInfo](c.lister.Processes(ctx))
}

type NetworkCollector struct {
	lister SocketLister
}

func NewNetworkCollector(l SocketLister) *NetworkCollector {
	return &NetworkCollector{lister: l}
}

func (c *NetworkCollector) Name() string { return "network" }

func (c *NetworkCollector) Collect(ctx context.Context) (any, error) {
	if c.lister == nil {
		return nil, ErrNotImplemented
	}
	return list[telemetry.NetworkConnection](c.lister.Sockets(ctx))
}

type SessionCollector struct {
	lister SessionLister
}

func NewSessionCollector(l SessionLister) *SessionCollector {
	return &SessionCollector{lister: l}
}

func (c *SessionCollector) Name() string { return "user_session" }

func (c *SessionCollector) Collect(ctx context.Context) (any, error) {
	if c.lister == nil {
		return nil, ErrNotImplemented
	}
	return list[telemetry.UserSession](c.lister.Sessions(ctx))
}
