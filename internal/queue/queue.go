// Package queue is the agent's local fallback store: an append-only file of
// newline-delimited JSON envelopes that is replayed once the relay is
// reachable again.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidEntry = errors.New("queue: entry is not a single-line envelope")
	ErrClosed       = errors.New("queue: closed")
	// ErrLocked means another process already owns the queue.
	ErrLocked = errors.New("queue: in use by another process")
)

// Queue serializes every writer through mu. Drains additionally hold
// drainMu so only one replay pass runs at a time; appends keep flowing
// while a drain is delivering.
type Queue struct {
	path string
	lock *os.File

	mu     sync.Mutex
	f      *os.File
	closed bool

	drainMu sync.Mutex
}

// DrainResult reports the disposition of every entry seen by one Drain.
type DrainResult struct {
	Delivered int
	Retained  int
	Corrupt   int
}

// LockPath is the sibling file Open locks to keep a second process from
// writing or draining the same queue.
func LockPath(path string) string { return path + ".lock" }

// Open takes ownership of the queue at path. It fails with ErrLocked while
// another Queue, in this or any other process, holds it open.
func Open(path string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	lock, err := lockFile(LockPath(path))
	if err != nil {
		return nil, err
	}
	if err := repairTail(path); err != nil {
		lock.Close()
		return nil, err
	}
	f, err := openAppend(path)
	if err != nil {
		lock.Close()
		return nil, err
	}
	return &Queue{path: path, lock: lock, f: f}, nil
}

func (q *Queue) Path() string { return q.path }

// Append persists one envelope as a single line. The write is one syscall
// on an O_APPEND descriptor followed by fsync; a failed write is truncated
// away so the file never keeps a fragment.
func (q *Queue) Append(entry []byte) error {
	if !ValidEntry(entry) {
		return ErrInvalidEntry
	}
	line := make([]byte, 0, len(entry)+1)
	line = append(line, entry...)
	line = append(line, '\n')

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	info, err := q.f.Stat()
	if err != nil {
		return fmt.Errorf("stat queue: %w", err)
	}
	if _, err := q.f.Write(line); err != nil {
		if terr := q.f.Truncate(info.Size()); terr != nil {
			log.Error().Err(terr).Str("path", q.path).Msg("queue truncate after failed append")
		}
		return fmt.Errorf("append queue entry: %w", err)
	}
	if err := q.f.Sync(); err != nil {
		return fmt.Errorf("sync queue: %w", err)
	}
	return nil
}

// Entries returns every valid entry in FIFO order.
func (q *Queue) Entries() ([][]byte, error) {
	q.mu.Lock()
	data, err := os.ReadFile(q.path)
	q.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	entries, _ := split(data)
	return entries, nil
}

func (q *Queue) Len() (int, error) {
	entries, err := q.Entries()
	return len(entries), err
}

// Drain offers each queued entry to deliver in FIFO order, then rewrites
// the file so that it holds only the entries deliver rejected, followed by
// anything appended while the drain was running. Entries are never removed
// unless deliver reported them delivered (or they were corrupt).
func (q *Queue) Drain(ctx context.Context, deliver func(context.Context, []byte) bool) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return DrainResult{}, ErrClosed
	}
	snapshot, err := os.ReadFile(q.path)
	q.mu.Unlock()
	if err != nil {
		return DrainResult{}, fmt.Errorf("read queue: %w", err)
	}

	entries, corrupt := split(snapshot)
	res := DrainResult{Corrupt: corrupt}
	var keep [][]byte
	for i, entry := range entries {
		if ctx.Err() != nil {
			keep = append(keep, entries[i:]...)
			break
		}
		if deliver(ctx, entry) {
			res.Delivered++
		} else {
			keep = append(keep, entry)
		}
	}
	res.Retained = len(keep)
	if corrupt > 0 {
		log.Warn().Int("corrupt", corrupt).Str("path", q.path).Msg("dropping corrupt queue entries")
	}
	if res.Delivered == 0 && corrupt == 0 {
		return res, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return res, ErrClosed
	}
	current, err := os.ReadFile(q.path)
	if err != nil {
		return res, fmt.Errorf("read queue: %w", err)
	}
	var tail []byte
	if len(current) > len(snapshot) {
		tail = current[len(snapshot):]
	}

	var buf bytes.Buffer
	for _, entry := range keep {
		buf.Write(entry)
		buf.WriteByte('\n')
	}
	buf.Write(tail)
	if err := q.replaceLocked(buf.Bytes()); err != nil {
		return res, err
	}
	return res, nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	err := q.f.Close()
	// closing the descriptor releases the flock
	if lerr := q.lock.Close(); err == nil {
		err = lerr
	}
	return err
}

// replaceLocked swaps the queue file for data via a temp file and rename,
// then reopens the append descriptor on the new inode.
func (q *Queue) replaceLocked(data []byte) error {
	dir := filepath.Dir(q.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(q.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create queue temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write queue temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync queue temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close queue temp file: %w", err)
	}
	if err := os.Rename(tmpName, q.path); err != nil {
		cleanup()
		return fmt.Errorf("replace queue file: %w", err)
	}
	syncDir(dir)

	f, err := openAppend(q.path)
	if err != nil {
		return err
	}
	_ = q.f.Close()
	q.f = f
	return nil
}

type rawEnvelope struct {
	Hostname  *string         `json:"hostname"`
	Timestamp *int64          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ValidEntry reports whether entry is a complete single-line envelope.
func ValidEntry(entry []byte) bool {
	if len(entry) == 0 || bytes.IndexByte(entry, '\n') >= 0 {
		return false
	}
	var env rawEnvelope
	if err := json.Unmarshal(entry, &env); err != nil {
		return false
	}
	return env.Hostname != nil && env.Timestamp != nil && len(env.Payload) > 0
}

// split returns the valid newline-terminated entries of data and the number
// of lines that were discarded as corrupt.
func split(data []byte) ([][]byte, int) {
	var entries [][]byte
	corrupt := 0
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			corrupt++
			break
		}
		line := data[:i]
		data = data[i+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !ValidEntry(line) {
			corrupt++
			continue
		}
		entries = append(entries, line)
	}
	return entries, corrupt
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return f, nil
}

// repairTail cuts off a trailing fragment left by a crash mid-append so
// the next append starts on a fresh line.
func repairTail(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	log.Warn().Str("path", path).Int("bytes", len(data)-keep).Msg("truncating partial queue entry")
	if err := os.Truncate(path, int64(keep)); err != nil {
		return fmt.Errorf("truncate partial queue entry: %w", err)
	}
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Stats describes a queue file as found on disk.
type Stats struct {
	Entries int
	Corrupt int
	Bytes   int64
}

// Stat inspects the queue file at path without opening it for writing, so
// it is safe to call while an agent owns the queue. A missing file is an
// empty queue.
func Stat(path string) (Stats, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("read queue: %w", err)
	}
	entries, corrupt := split(data)
	return Stats{Entries: len(entries), Corrupt: corrupt, Bytes: int64(len(data))}, nil
}
