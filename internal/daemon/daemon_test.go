package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sheetsync/sheetsync/internal/fault"
	"github.com/sheetsync/sheetsync/internal/netprobe"
	"github.com/sheetsync/sheetsync/internal/remote/remotetest"
	"github.com/sheetsync/sheetsync/internal/schema"
	"github.com/sheetsync/sheetsync/internal/state"
	"github.com/sheetsync/sheetsync/internal/store"
	ssync "github.com/sheetsync/sheetsync/internal/sync"
)

var quiet = log.New(io.Discard, "", 0)

// fakePasser records passes and answers from a script of outcomes.
type fakePasser struct {
	mu       sync.Mutex
	triggers []ssync.Trigger
	script   []ssync.Result
	release  chan struct{} // when set, each pass waits for a receive
	started  chan struct{} // when set, signalled at pass start
	panicMsg string
}

func (f *fakePasser) Pass(ctx context.Context, trigger ssync.Trigger) ssync.Result {
	f.mu.Lock()
	f.triggers = append(f.triggers, trigger)
	var res ssync.Result
	if len(f.script) > 0 {
		res = f.script[0]
		f.script = f.script[1:]
	} else {
		res = ssync.Result{Outcome: ssync.Succeeded}
	}
	release, started, panicMsg := f.release, f.started, f.panicMsg
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if panicMsg != "" {
		panic(panicMsg)
	}
	res.Trigger = trigger
	return res
}

func (f *fakePasser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestTrigger_CoalescesWhileRunning(t *testing.T) {
	p := &fakePasser{release: make(chan struct{}), started: make(chan struct{}, 10)}
	tr := NewTrigger(p, quiet)
	tr.Start()
	defer tr.Stop()

	if !tr.Request(ssync.TriggerMutation) {
		t.Fatal("first request should be accepted")
	}
	<-p.started // first pass is running and blocked

	if !tr.Request(ssync.TriggerMutation) {
		t.Error("request during a pass should take the pending slot")
	}
	for i := 0; i < 5; i++ {
		if tr.Request(ssync.TriggerMutation) {
			t.Error("request with a pending pass should be absorbed")
		}
	}

	p.release <- struct{}{}
	<-p.started
	p.release <- struct{}{}

	waitFor(t, "two passes", func() bool { return tr.Stats().Ran == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := p.count(); n != 2 {
		t.Errorf("passes = %d, want 2", n)
	}

	st := tr.Stats()
	if st.Requested != 7 || st.Absorbed != 5 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestTrigger_RecoversFromPanic(t *testing.T) {
	p := &fakePasser{panicMsg: "boom"}
	tr := NewTrigger(p, quiet)
	tr.Start()
	defer tr.Stop()

	tr.Request(ssync.TriggerMutation)
	waitFor(t, "first pass", func() bool { return p.count() == 1 })

	p.mu.Lock()
	p.panicMsg = ""
	p.mu.Unlock()

	waitFor(t, "worker ready", func() bool { return tr.Request(ssync.TriggerMutation) })
	waitFor(t, "second pass", func() bool { return p.count() == 2 })
}

func TestScheduler_KeepPolicy(t *testing.T) {
	s := NewScheduler(netprobe.NewStatic(true), RetryPolicy{Attempts: 1}, quiet)
	defer s.Stop()

	run := func(context.Context) JobStatus { return JobSucceeded }

	ok, err := s.Enqueue(Job{Name: SyncJobName, Interval: time.Hour, Run: run})
	if err != nil || !ok {
		t.Fatalf("Enqueue() = %v, %v", ok, err)
	}
	ok, err = s.Enqueue(Job{Name: SyncJobName, Interval: time.Minute, Run: run})
	if err != nil || ok {
		t.Fatalf("duplicate Enqueue() = %v, %v; want false, nil", ok, err)
	}

	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Interval != time.Hour {
		t.Errorf("Jobs() = %+v, want the original hourly job", jobs)
	}

	if !s.Cancel(SyncJobName) {
		t.Error("Cancel() = false")
	}
	if len(s.Jobs()) != 0 {
		t.Error("job still registered after Cancel")
	}
}

func TestScheduler_Validation(t *testing.T) {
	s := NewScheduler(netprobe.NewStatic(true), DefaultRetryPolicy(), quiet)
	defer s.Stop()

	tests := []Job{
		{Interval: time.Second, Run: func(context.Context) JobStatus { return JobSucceeded }},
		{Name: "x", Run: func(context.Context) JobStatus { return JobSucceeded }},
		{Name: "x", Interval: time.Second},
	}
	for i, j := range tests {
		if _, err := s.Enqueue(j); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestScheduler_RunsPeriodically(t *testing.T) {
	s := NewScheduler(netprobe.NewStatic(true), RetryPolicy{Attempts: 1}, quiet)
	defer s.Stop()

	var mu sync.Mutex
	runs := 0
	_, err := s.Enqueue(Job{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) JobStatus {
			mu.Lock()
			runs++
			mu.Unlock()
			return JobSucceeded
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "three runs", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 3
	})
}

func TestScheduler_SkipsWithoutNetwork(t *testing.T) {
	gate := netprobe.NewStatic(false)
	s := NewScheduler(gate, RetryPolicy{Attempts: 1}, quiet)
	defer s.Stop()

	called := make(chan struct{}, 10)
	_, _ = s.Enqueue(Job{
		Name:           "net",
		Interval:       time.Hour,
		RequireNetwork: true,
		RunOnStart:     true,
		Run: func(context.Context) JobStatus {
			called <- struct{}{}
			return JobSucceeded
		},
	})

	waitFor(t, "slot", func() bool { return len(s.Jobs()) == 1 && s.Jobs()[0].Runs == 1 })
	if got := s.Jobs()[0].LastStatus; got != "skipped" {
		t.Errorf("LastStatus = %q, want skipped", got)
	}
	if len(called) != 0 {
		t.Error("job ran without network")
	}
}

func TestScheduler_RetriesBounded(t *testing.T) {
	s := NewScheduler(netprobe.NewStatic(true), RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, quiet)
	defer s.Stop()

	var mu sync.Mutex
	attempts := 0
	_, _ = s.Enqueue(Job{
		Name:       "flaky",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(context.Context) JobStatus {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			return JobRetry
		},
	})

	waitFor(t, "slot end", func() bool { return s.Jobs()[0].Runs == 1 })
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if got := s.Jobs()[0].LastStatus; got != "failed" {
		t.Errorf("LastStatus = %q, want failed", got)
	}
}

func TestScheduler_PanicFailsOnlyThatSlot(t *testing.T) {
	s := NewScheduler(netprobe.NewStatic(true), RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, quiet)
	defer s.Stop()

	var mu sync.Mutex
	runs := 0
	_, _ = s.Enqueue(Job{
		Name:       "panicky",
		Interval:   10 * time.Millisecond,
		RunOnStart: true,
		Run: func(context.Context) JobStatus {
			mu.Lock()
			runs++
			n := runs
			mu.Unlock()
			if n == 1 {
				panic("unexpected")
			}
			return JobSucceeded
		},
	})

	waitFor(t, "recovery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	})
	waitFor(t, "status", func() bool { return s.Jobs()[0].LastStatus == "succeeded" })
}

// setupPanickingCoordinator returns a real coordinator whose mirror panics
// inside every sub-table push.
func setupPanickingCoordinator(t *testing.T) (*ssync.Coordinator, *remotetest.Mirror) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "records.db"), quiet)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	handles, err := state.Open(filepath.Join(dir, "state.yaml"))
	if err != nil {
		t.Fatalf("state.Open() failed: %v", err)
	}

	mirror := remotetest.New()
	mirror.PanicOnOverwrite("assignment to entry in nil map")

	cfg := ssync.DefaultConfig()
	cfg.Logger = quiet
	return ssync.New(st, mirror, netprobe.NewStatic(true), handles, cfg), mirror
}

func TestScheduler_PanickingPushFailsSlotPermanently(t *testing.T) {
	coord, mirror := setupPanickingCoordinator(t)
	s := NewScheduler(netprobe.NewStatic(true), RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, quiet)
	defer s.Stop()

	jb := &job{Job: Job{Name: SyncJobName, Interval: time.Hour, Run: SyncJob(coord)}}
	s.slot(context.Background(), jb)

	jb.mu.Lock()
	status, runs := jb.lastStatus, jb.runs
	jb.mu.Unlock()
	if status != "permanent_failure" {
		t.Errorf("LastStatus = %q, want permanent_failure", status)
	}
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
	if got := mirror.Count("overwrite"); got != len(schema.All()) {
		t.Errorf("overwrite calls = %d, want %d (no retry after an internal fault)", got, len(schema.All()))
	}

	res, ok := coord.LastResult()
	if !ok || res.Outcome != ssync.Failed || res.Fault() != "internal" {
		t.Errorf("LastResult() = %v, want failed(internal)", res)
	}

	mirror.PanicOnOverwrite("")
	s.slot(context.Background(), jb)
	jb.mu.Lock()
	status = jb.lastStatus
	jb.mu.Unlock()
	if status != "succeeded" {
		t.Errorf("next slot LastStatus = %q, want succeeded", status)
	}
}

func TestTrigger_PanickingPushIsContained(t *testing.T) {
	coord, mirror := setupPanickingCoordinator(t)

	var mu sync.Mutex
	var results []ssync.Result
	coord.OnResult(func(r ssync.Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	tr := NewTrigger(coord, quiet)
	tr.Start()
	defer tr.Stop()

	tr.Request(ssync.TriggerMutation)
	waitFor(t, "first pass to return", func() bool { return tr.Stats().Ran == 1 })

	mu.Lock()
	first := results[0]
	mu.Unlock()
	if first.Outcome != ssync.Failed || !fault.IsInternal(first.Err) {
		t.Errorf("first result = %v, want failed with internal fault", first)
	}

	mirror.PanicOnOverwrite("")
	waitFor(t, "worker ready", func() bool { return tr.Request(ssync.TriggerMutation) })
	waitFor(t, "second pass to return", func() bool { return tr.Stats().Ran == 2 })

	if res, _ := coord.LastResult(); res.Outcome != ssync.Succeeded {
		t.Errorf("second result = %v, want succeeded", res)
	}
}

func TestSyncJob(t *testing.T) {
	tests := []struct {
		name   string
		result ssync.Result
		want   JobStatus
	}{
		{name: "succeeded", result: ssync.Result{Outcome: ssync.Succeeded}, want: JobSucceeded},
		{name: "skipped", result: ssync.Result{Outcome: ssync.Skipped}, want: JobSkipped},
		{name: "remote", result: ssync.Result{Outcome: ssync.Failed, Err: fmt.Errorf("%w: 503", fault.ErrRemote)}, want: JobRetry},
		{name: "storage", result: ssync.Result{Outcome: ssync.Failed, Err: fmt.Errorf("%w: disk", fault.ErrStorage)}, want: JobRetry},
		{
			name:   "signed out",
			result: ssync.Result{Outcome: ssync.Failed, Err: fmt.Errorf("%w: %w", fault.ErrRemote, fault.ErrUnauthenticated)},
			want:   JobFailed,
		},
		{name: "unknown", result: ssync.Result{Outcome: ssync.Failed, Err: errors.New("?")}, want: JobFailed},
		{
			name:   "internal",
			result: ssync.Result{Outcome: ssync.Failed, Err: errors.Join(fault.ErrRemote, fmt.Errorf("%w: overwrite sales panicked", fault.ErrInternal))},
			want:   JobPermanentFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePasser{script: []ssync.Result{tt.result}}
			if got := SyncJob(p)(context.Background()); got != tt.want {
				t.Errorf("SyncJob() = %v, want %v", got, tt.want)
			}
			if p.triggers[0] != ssync.TriggerPeriodic {
				t.Errorf("trigger = %v, want periodic", p.triggers[0])
			}
		})
	}
}

type fakeCounter struct {
	mu sync.Mutex
	n  int
}

func (f *fakeCounter) CountUnsynced(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n, nil
}

type fakeRequester struct {
	mu       sync.Mutex
	requests []ssync.Trigger
}

func (f *fakeRequester) Request(tr ssync.Trigger) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, tr)
	return true
}

func (f *fakeRequester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestStoreWatcher_RequestsWhenUnsynced(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "records.db")
	if err := os.WriteFile(dbPath, nil, 0644); err != nil {
		t.Fatal(err)
	}

	counter := &fakeCounter{n: 2}
	req := &fakeRequester{}
	w, err := NewStoreWatcher(dbPath, 20*time.Millisecond, counter, req, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	// Unrelated files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if req.count() != 0 {
		t.Fatalf("unrelated write triggered %d requests", req.count())
	}

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(dbPath+"-wal", []byte{byte(i)}, 0644); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "request", func() bool { return req.count() >= 1 })

	time.Sleep(100 * time.Millisecond)
	if n := req.count(); n != 1 {
		t.Errorf("burst produced %d requests, want 1", n)
	}
	if req.requests[0] != ssync.TriggerWatcher {
		t.Errorf("trigger = %v, want watcher", req.requests[0])
	}
}

func TestStoreWatcher_IgnoresWhenAllSynced(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "records.db")

	req := &fakeRequester{}
	w, err := NewStoreWatcher(dbPath, 20*time.Millisecond, &fakeCounter{}, req, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(dbPath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if req.count() != 0 {
		t.Errorf("requests = %d, want 0 with nothing unsynced", req.count())
	}

	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	if w.IsRunning() {
		t.Error("IsRunning() after Stop")
	}
}

type fakeStore struct {
	fakeCounter
	path string
}

func (f *fakeStore) Path() string { return f.path }

func TestDaemon_StartStop(t *testing.T) {
	dir := t.TempDir()
	st := &fakeStore{path: filepath.Join(dir, "records.db")}
	p := &fakePasser{}

	cfg := DefaultConfig()
	cfg.Logger = quiet
	cfg.Interval = time.Hour
	cfg.DebounceInterval = 20 * time.Millisecond

	d, err := NewWithConfig(p, st, netprobe.NewStatic(true), cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	// RunOnStart fires the periodic job immediately.
	waitFor(t, "initial periodic pass", func() bool { return p.count() >= 1 })

	d.Trigger().Request(ssync.TriggerUser)
	waitFor(t, "requested pass", func() bool { return p.count() >= 2 })

	jobs := d.Scheduler().Jobs()
	if len(jobs) != 1 || jobs[0].Name != SyncJobName {
		t.Errorf("Jobs() = %+v", jobs)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestNewWithConfig_Validation(t *testing.T) {
	st := &fakeStore{path: filepath.Join(t.TempDir(), "db")}
	gate := netprobe.NewStatic(true)

	if _, err := NewWithConfig(nil, st, gate, nil); err == nil {
		t.Error("expected error for nil passer")
	}
	if _, err := NewWithConfig(&fakePasser{}, nil, gate, nil); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewWithConfig(&fakePasser{}, st, nil, nil); err == nil {
		t.Error("expected error for nil gate")
	}
}
