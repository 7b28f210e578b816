//go:build !linux

package hostinfo

import (
	"context"

	"github.com/bilal/edr-agent/internal/collector"
	"github.com/bilal/edr-agent/internal/telemetry"
)

type Sessions struct{}

func (Sessions) Sessions(context.Context) ([]telemetry.UserSession, error) {
	return nil, collector.ErrNotImplemented
}
