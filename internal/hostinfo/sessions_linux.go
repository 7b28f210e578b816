//go:build linux

package hostinfo

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/bilal/edr-agent/internal/telemetry"
)

// Sessions reads logged-in users from utmp.
type Sessions struct{}

func (Sessions) Sessions(ctx context.Context) ([]telemetry.UserSession, error) {
	users, err := host.UsersWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("read utmp: %w", err)
	}
	out := make([]telemetry.UserSession, 0, len(users))
	for _, u := range users {
		out = append(out, telemetry.UserSession{
			User:     u.User,
			Terminal: u.Terminal,
			Host:     u.Host,
			Started:  int64(u.Started),
		})
	}
	return out, nil
}
