package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilal/edr-agent/internal/clock"
	"github.com/bilal/edr-agent/internal/collector"
	"github.com/bilal/edr-agent/internal/policy"
	"github.com/bilal/edr-agent/internal/relay"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type record struct {
	hostname  string
	timestamp int64
	payload   any
}

type recordingSink struct {
	mu      sync.Mutex
	records []record
	err     error
}

func (s *recordingSink) TransmitOrBuffer(_ context.Context, hostname string, ts int64, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record{hostname, ts, payload})
	return s.err
}

func (s *recordingSink) count(payload any) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.payload == payload {
			n++
		}
	}
	return n
}

func (s *recordingSink) all() []record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record(nil), s.records...)
}

type fakeSnapshot struct {
	name  string
	calls atomic.Int32
	fn    func(call int32) (any, error)
}

func (f *fakeSnapshot) Name() string { return f.name }

func (f *fakeSnapshot) Collect(context.Context) (any, error) {
	n := f.calls.Add(1)
	if f.fn == nil {
		return f.name, nil
	}
	return f.fn(n)
}

type chanStream chan collector.Item

func (chanStream) Name() string { return "file_event" }

func (c chanStream) Stream(context.Context) (<-chan collector.Item, error) { return c, nil }

func forensic(interval uint64) policy.Policy {
	return policy.Policy{CollectionInterval: interval, EndpointRole: "workstation", Mode: policy.ModeForensic}
}

func runSupervisor(t *testing.T, s *Supervisor) (cancel func(), errc <-chan error) {
	t.Helper()
	ctx, c := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		ch <- s.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		c()
		<-finished
	})
	return c, ch
}

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

func TestPlanMinimalRunsOnlyProcess(t *testing.T) {
	set := collector.Set{
		Process:  &fakeSnapshot{name: "process"},
		Network:  &fakeSnapshot{name: "network"},
		Sessions: &fakeSnapshot{name: "user_session"},
		Files:    make(chanStream),
	}
	s := New("host-a", &recordingSink{}, clock.NewFake(epoch))
	require.NoError(t, s.Plan(policy.Policy{CollectionInterval: 5, Mode: policy.ModeMinimal}, set, Intervals{}))
	assert.Equal(t, []string{"process"}, s.Planned())

	require.NoError(t, s.Plan(forensic(5), set, Intervals{}))
	assert.Equal(t, []string{"process", "network", "user_session", "file_event"}, s.Planned())
}

func TestPlanSkipsMissingCollectors(t *testing.T) {
	s := New("host-a", &recordingSink{}, clock.NewFake(epoch))
	require.NoError(t, s.Plan(forensic(5), collector.Set{Process: &fakeSnapshot{name: "process"}}, Intervals{}))
	assert.Equal(t, []string{"process"}, s.Planned())
}

func TestPlanRejectsZeroInterval(t *testing.T) {
	s := New("host-a", &recordingSink{}, clock.NewFake(epoch))
	assert.Error(t, s.Plan(forensic(0), collector.Set{}, Intervals{}))
}

func TestMinimalModeNeverTouchesForensicCollectors(t *testing.T) {
	clk := clock.NewFake(epoch)
	sink := &recordingSink{}
	proc := &fakeSnapshot{name: "process"}
	netw := &fakeSnapshot{name: "network"}

	s := New("host-a", sink, clk)
	require.NoError(t, s.Plan(policy.Policy{CollectionInterval: 5, Mode: policy.ModeMinimal},
		collector.Set{Process: proc, Network: netw}, Intervals{}))
	runSupervisor(t, s)

	clk.WaitForTimers(1)
	for i := 1; i <= 6; i++ {
		clk.Advance(5 * time.Second)
		want := int32(i + 1)
		require.Eventually(t, func() bool { return proc.calls.Load() == want }, wait, tick)
	}
	assert.Zero(t, netw.calls.Load())
}

func TestForensicSchedule(t *testing.T) {
	clk := clock.NewFake(epoch)
	sink := &recordingSink{}
	proc := &fakeSnapshot{name: "process"}
	netw := &fakeSnapshot{name: "network"}
	sess := &fakeSnapshot{name: "user_session"}

	s := New("host-a", sink, clk)
	require.NoError(t, s.Plan(forensic(5), collector.Set{Process: proc, Network: netw, Sessions: sess}, Intervals{}))
	runSupervisor(t, s)

	clk.WaitForTimers(3)
	require.Eventually(t, func() bool {
		return sink.count("process") == 1 && sink.count("network") == 1 && sink.count("user_session") == 1
	}, wait, tick, "every collector runs once immediately")

	for k := 1; k <= 12; k++ {
		clk.Advance(5 * time.Second)
		elapsed := 5 * k
		wantProc, wantNet, wantSess := 1+k, 1+elapsed/20, 1+elapsed/30
		require.Eventually(t, func() bool {
			return sink.count("process") == wantProc &&
				sink.count("network") == wantNet &&
				sink.count("user_session") == wantSess
		}, wait, tick, "after %ds", elapsed)
	}

	for _, r := range sink.all() {
		assert.Equal(t, "host-a", r.hostname)
	}
}

func TestSnapshotTimestampsFollowClock(t *testing.T) {
	clk := clock.NewFake(epoch)
	sink := &recordingSink{}
	s := New("host-a", sink, clk)
	require.NoError(t, s.Plan(policy.Policy{CollectionInterval: 10, Mode: policy.ModeMinimal},
		collector.Set{Process: &fakeSnapshot{name: "process"}}, Intervals{}))
	runSupervisor(t, s)

	clk.WaitForTimers(1)
	require.Eventually(t, func() bool { return sink.count("process") == 1 }, wait, tick)
	clk.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return sink.count("process") == 2 }, wait, tick)

	recs := sink.all()
	assert.Equal(t, epoch.Unix(), recs[0].timestamp)
	assert.Equal(t, epoch.Add(10*time.Second).Unix(), recs[1].timestamp)
}

func TestFaultIsolation(t *testing.T) {
	clk := clock.NewFake(epoch)
	sink := &recordingSink{}
	failing := &fakeSnapshot{name: "process", fn: func(int32) (any, error) {
		return nil, errors.New("permission denied")
	}}
	panicking := &fakeSnapshot{name: "network", fn: func(int32) (any, error) {
		panic("bad netlink reply")
	}}
	healthy := &fakeSnapshot{name: "user_session"}
	files := make(chanStream, 2)
	files <- collector.Item{Timestamp: 1, Payload: "f1"}
	files <- collector.Item{Timestamp: 2, Payload: "f2"}

	s := New("host-a", sink, clk)
	require.NoError(t, s.Plan(forensic(5),
		collector.Set{Process: failing, Network: panicking, Sessions: healthy, Files: files},
		Intervals{Network: 5 * time.Second, Session: 5 * time.Second}))
	runSupervisor(t, s)

	clk.WaitForTimers(3)
	require.Eventually(t, func() bool {
		return sink.count("user_session") == 1 && sink.count("f2") == 1
	}, wait, tick)

	clk.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return sink.count("user_session") == 2 && failing.calls.Load() == 2 && panicking.calls.Load() == 2
	}, wait, tick, "failing collectors keep their schedule")
	assert.Zero(t, sink.count(nil))
}

func TestNotImplementedCollectorKeepsRunning(t *testing.T) {
	clk := clock.NewFake(epoch)
	sink := &recordingSink{}
	sess := &fakeSnapshot{name: "user_session", fn: func(int32) (any, error) {
		return nil, collector.ErrNotImplemented
	}}

	s := New("host-a", sink, clk)
	require.NoError(t, s.Plan(forensic(5),
		collector.Set{Process: &fakeSnapshot{name: "process"}, Sessions: sess},
		Intervals{Session: 5 * time.Second}))
	runSupervisor(t, s)

	clk.WaitForTimers(2)
	for i := 1; i <= 3; i++ {
		clk.Advance(5 * time.Second)
		want := int32(i + 1)
		require.Eventually(t, func() bool { return sess.calls.Load() == want }, wait, tick)
	}
	require.Eventually(t, func() bool { return sink.count("process") == 4 }, wait, tick)
	for _, r := range sink.all() {
		assert.Equal(t, "process", r.payload, "no fabricated session data")
	}
}

func TestStreamForwardsInOrder(t *testing.T) {
	sink := &recordingSink{}
	files := make(chanStream, 5)
	for i := 0; i < 5; i++ {
		files <- collector.Item{Timestamp: int64(100 + i), Payload: fmt.Sprintf("ev%d", i)}
	}
	close(files)

	s := New("host-a", sink, clock.NewFake(epoch))
	require.NoError(t, s.Plan(forensic(5), collector.Set{Files: files}, Intervals{}))
	runSupervisor(t, s)

	require.Eventually(t, func() bool { return len(sink.all()) == 5 }, wait, tick)
	for i, r := range sink.all() {
		assert.Equal(t, int64(100+i), r.timestamp)
		assert.Equal(t, fmt.Sprintf("ev%d", i), r.payload)
	}
}

func TestBufferErrorDoesNotStopCollection(t *testing.T) {
	clk := clock.NewFake(epoch)
	sink := &recordingSink{err: fmt.Errorf("%w: disk full", relay.ErrBuffer)}
	proc := &fakeSnapshot{name: "process"}

	s := New("host-a", sink, clk)
	require.NoError(t, s.Plan(policy.Policy{CollectionInterval: 5, Mode: policy.ModeMinimal},
		collector.Set{Process: proc}, Intervals{}))
	runSupervisor(t, s)

	clk.WaitForTimers(1)
	clk.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return proc.calls.Load() == 2 }, wait, tick)
}

func TestRunReturnsOnCancel(t *testing.T) {
	s := New("host-a", &recordingSink{}, clock.NewFake(epoch))
	require.NoError(t, s.Plan(forensic(5), collector.Set{Process: &fakeSnapshot{name: "process"}}, Intervals{}))
	cancel, done := runSupervisor(t, s)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSlowCycleDoesNotCauseBackToBackCollections(t *testing.T) {
	clk := clock.NewFake(epoch)
	sink := &recordingSink{}
	release := make(chan struct{})
	proc := &fakeSnapshot{name: "process", fn: func(call int32) (any, error) {
		if call == 2 {
			<-release
		}
		return "process", nil
	}}

	s := New("host-a", sink, clk)
	require.NoError(t, s.Plan(policy.Policy{CollectionInterval: 10, Mode: policy.ModeMinimal},
		collector.Set{Process: proc}, Intervals{}))
	runSupervisor(t, s)

	clk.WaitForTimers(1)
	require.Eventually(t, func() bool { return proc.calls.Load() == 1 }, wait, tick)

	// t=10: second cycle starts and blocks past the t=20 tick
	clk.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return proc.calls.Load() == 2 }, wait, tick)
	clk.Advance(10 * time.Second)
	clk.Advance(9 * time.Second)
	close(release)

	// t=29: the buffered t=20 tick starts the third cycle
	require.Eventually(t, func() bool { return proc.calls.Load() == 3 }, wait, tick)

	// t=30 is only 1s after the third cycle started and must not collect
	clk.Advance(time.Second)
	clk.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return proc.calls.Load() == 4 }, wait, tick)
	assert.Never(t, func() bool { return proc.calls.Load() > 4 }, 200*time.Millisecond, tick)
}

func TestMinGap(t *testing.T) {
	assert.Equal(t, 9*time.Second, minGap(10*time.Second))
	assert.Equal(t, 18*time.Second, minGap(20*time.Second))
}
