//go:build linux

package hostinfo

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/bilal/edr-agent/internal/telemetry"
)

var tcpStates = map[uint8]string{
	1:  "ESTABLISHED",
	2:  "SYN_SENT",
	3:  "SYN_RECV",
	4:  "FIN_WAIT1",
	5:  "FIN_WAIT2",
	6:  "TIME_WAIT",
	7:  "CLOSE",
	8:  "CLOSE_WAIT",
	9:  "LAST_ACK",
	10: "LISTEN",
	11: "CLOSING",
	12: "NEW_SYN_RECV",
}

// Sockets reads the kernel socket tables over NETLINK_SOCK_DIAG and
// attributes each socket to its owning pid through /proc/<pid>/fd.
type Sockets struct {
	ProcRoot string
}

func NewSockets() *Sockets { return &Sockets{ProcRoot: "/proc"} }

type diagQuery struct {
	proto  string
	family uint8
	dump   func(uint8) ([]*netlink.Socket, error)
}

func (s *Sockets) Sockets(ctx context.Context) ([]telemetry.NetworkConnection, error) {
	queries := []diagQuery{
		{"tcp", unix.AF_INET, netlink.SocketDiagTCP},
		{"tcp6", unix.AF_INET6, netlink.SocketDiagTCP},
		{"udp", unix.AF_INET, netlink.SocketDiagUDP},
		{"udp6", unix.AF_INET6, netlink.SocketDiagUDP},
	}

	owners := inodeOwners(s.ProcRoot)
	var out []telemetry.NetworkConnection
	dumped := 0
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		socks, err := q.dump(q.family)
		if err != nil {
			// IPv6 may be disabled on the host
			log.Debug().Err(err).Str("proto", q.proto).Msg("socket diag dump failed")
			continue
		}
		dumped++
		for _, sk := range socks {
			out = append(out, telemetry.NetworkConnection{
				Protocol:   q.proto,
				LocalAddr:  joinAddr(sk.ID.Source, sk.ID.SourcePort),
				RemoteAddr: joinAddr(sk.ID.Destination, sk.ID.DestinationPort),
				Status:     tcpStates[sk.State],
				PID:        owners[uint64(sk.INode)],
			})
		}
	}
	if dumped == 0 {
		return nil, fmt.Errorf("socket diag: no table could be read")
	}
	return out, nil
}

func joinAddr(ip net.IP, port uint16) string {
	host := "*"
	if ip != nil {
		host = ip.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// inodeOwners maps socket inodes to the pid holding a descriptor for them.
// Unreadable processes are skipped.
func inodeOwners(procRoot string) map[uint64]int32 {
	owners := make(map[uint64]int32)
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return owners
	}
	for _, e := range entries {
		pid, err := strconv.ParseInt(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		fdDir := filepath.Join(procRoot, e.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if inode, ok := socketInode(target); ok {
				if _, seen := owners[inode]; !seen {
					owners[inode] = int32(pid)
				}
			}
		}
	}
	return owners
}

func socketInode(link string) (uint64, bool) {
	rest, ok := strings.CutPrefix(link, "socket:[")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, "]")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	return n, err == nil
}
