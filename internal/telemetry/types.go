package telemetry

// Envelope is the JSON body posted to the relay and the unit stored in the
// durable queue.
type Envelope struct {
	Hostname  string `json:"hostname"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// ProcessInfo is one row of a process snapshot.
type ProcessInfo struct {
	PID      int32   `json:"pid"`
	Name     string  `json:"name"`
	Cmd      string  `json:"cmd"`
	Memory   uint64  `json:"memory"`
	CPUUsage float64 `json:"cpu_usage"`
	Status   string  `json:"status"`
}

// NetworkConnection is one row of the socket table.
type NetworkConnection struct {
	Protocol   string `json:"protocol"`
	LocalAddr  string `json:"local_addr"`
	RemoteAddr string `json:"remote_addr"`
	Status     string `json:"status"`
	PID        int32  `json:"pid,omitempty"`
}

// UserSession describes one logged-in user session.
type UserSession struct {
	User     string `json:"user"`
	Terminal string `json:"terminal,omitempty"`
	Host     string `json:"host,omitempty"`
	Started  int64  `json:"started,omitempty"`
}

type FileEventKind string

const (
	FileCreate FileEventKind = "create"
	FileModify FileEventKind = "modify"
	FileRemove FileEventKind = "remove"
	FileRename FileEventKind = "rename"
)

// FileEvent is a single filesystem change. SHA256 is only set for regular
// files small enough to hash at event time.
type FileEvent struct {
	Path      string        `json:"path"`
	Kind      FileEventKind `json:"kind"`
	Timestamp int64         `json:"timestamp"`
	SHA256    string        `json:"sha256,omitempty"`
}
