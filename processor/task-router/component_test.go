// Package taskrouter provides tests for the task router component.
//
// Test Coverage:
//   - Component factory with invalid configurations
//   - Task submission: id derivation, validation, idempotency
//   - Pending order: descending priority, FIFO within a band
//   - Assignment flow: load tracking, persistence, TASK_ASSIGN delivery
//   - Backpressure stops the routing pass without starving priority order
//   - Completion, failure, and progress handlers
//   - Deterministic failover excluding the failed worker
//   - Per-task timeout firing the failure handler
//   - Offline-worker requeue driven by registry events
//   - Cancellation of queued and active tasks, late results discarded
//   - Broker submission handler ack/nack semantics
//   - Result history eviction and status queries
//   - Component lifecycle (Start, Stop, Health)
package taskrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/taskmesh/broker"
	"github.com/c360studio/taskmesh/mesh"
	"github.com/c360studio/taskmesh/protocol"
	"github.com/c360studio/taskmesh/storage"
)

type fakeDirectory struct {
	mu    sync.Mutex
	nodes map[string]*mesh.Node
}

func newFakeDirectory(nodes ...*mesh.Node) *fakeDirectory {
	d := &fakeDirectory{nodes: make(map[string]*mesh.Node)}
	for _, n := range nodes {
		d.nodes[n.ID] = n
	}
	return d
}

func (d *fakeDirectory) GetNode(nodeID string) (*mesh.Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

func (d *fakeDirectory) GetAllNodes() []*mesh.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*mesh.Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *fakeDirectory) AddLoad(nodeID string, delta int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[nodeID]
	if !ok {
		return 0, fmt.Errorf("unknown node %s", nodeID)
	}
	load := n.CurrentLoad + delta
	if load < 0 {
		load = 0
	}
	if load > n.MaxConcurrent {
		load = n.MaxConcurrent
	}
	n.CurrentLoad = load
	return load, nil
}

func (d *fakeDirectory) setStatus(nodeID string, status mesh.NodeStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[nodeID]; ok {
		n.Status = status
	}
}

func (d *fakeDirectory) loadOf(nodeID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[nodeID]; ok {
		return n.CurrentLoad
	}
	return -1
}

type fakePerf struct {
	mu      sync.Mutex
	trends  map[string]mesh.Trend
	samples map[string]mesh.Sample
}

func newFakePerf() *fakePerf {
	return &fakePerf{
		trends:  make(map[string]mesh.Trend),
		samples: make(map[string]mesh.Sample),
	}
}

func (p *fakePerf) CalculateTrend(nodeID string, _ mesh.MetricField) mesh.Trend {
	p.mu.Lock()
	defer p.mu.Unlock()
	if trend, ok := p.trends[nodeID]; ok {
		return trend
	}
	return mesh.TrendStable
}

func (p *fakePerf) LatestSample(nodeID string) (mesh.Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sample, ok := p.samples[nodeID]
	return sample, ok
}

func (p *fakePerf) setTrend(nodeID string, trend mesh.Trend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trends[nodeID] = trend
}

func (p *fakePerf) setSample(nodeID string, sample mesh.Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples[nodeID] = sample
}

type sentAssign struct {
	nodeID  string
	payload protocol.TaskAssignPayload
	ttl     time.Duration
}

type fakeSender struct {
	mu      sync.Mutex
	assigns []sentAssign
	rejects []protocol.TaskRejectPayload
	failErr error
}

func (s *fakeSender) SendTaskAssign(_ context.Context, nodeID string, payload protocol.TaskAssignPayload, _ int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.assigns = append(s.assigns, sentAssign{nodeID: nodeID, payload: payload, ttl: ttl})
	return nil
}

func (s *fakeSender) SendTaskReject(_ context.Context, _ string, payload protocol.TaskRejectPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = append(s.rejects, payload)
	return nil
}

func (s *fakeSender) assignCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assigns)
}

func (s *fakeSender) rejectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rejects)
}

type fakeTaskStore struct {
	mu        sync.Mutex
	saved     map[string]mesh.Task
	statuses  map[string][]mesh.TaskStatus
	progress  map[string]float64
	started   map[string]string
	completed map[string]json.RawMessage
	failed    map[string]string
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		saved:     make(map[string]mesh.Task),
		statuses:  make(map[string][]mesh.TaskStatus),
		progress:  make(map[string]float64),
		started:   make(map[string]string),
		completed: make(map[string]json.RawMessage),
		failed:    make(map[string]string),
	}
}

func (s *fakeTaskStore) Save(_ context.Context, task *mesh.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[task.ID] = *task
	return nil
}

func (s *fakeTaskStore) FindByID(_ context.Context, id string) (*storage.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.saved[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.TaskRecord{Task: task}, nil
}

func (s *fakeTaskStore) UpdateStatus(_ context.Context, id string, status mesh.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = append(s.statuses[id], status)
	return nil
}

func (s *fakeTaskStore) UpdateProgress(_ context.Context, id string, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[id] = progress
	return nil
}

func (s *fakeTaskStore) MarkStarted(_ context.Context, id, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started[id] = nodeID
	return nil
}

func (s *fakeTaskStore) MarkCompleted(_ context.Context, id string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = result
	return nil
}

func (s *fakeTaskStore) MarkFailed(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = reason
	return nil
}

func (s *fakeTaskStore) Stats(_ context.Context) (storage.TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storage.TaskStats{Total: len(s.saved)}, nil
}

type fakeBroker struct {
	mu        sync.Mutex
	enqueued  []*mesh.TaskSubmission
	consuming bool
}

func (b *fakeBroker) Enqueue(_ context.Context, sub *mesh.TaskSubmission) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueued = append(b.enqueued, sub)
	return nil
}

func (b *fakeBroker) Consume(ctx context.Context, _ broker.Handler) error {
	b.mu.Lock()
	b.consuming = true
	b.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBroker) isConsuming() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consuming
}

func testRouterConfig() Config {
	cfg := DefaultConfig()
	cfg.ProcessInterval = 10 * time.Millisecond
	return cfg
}

func newTestRouter(t *testing.T, dir *fakeDirectory) (*Component, *mesh.Bus) {
	t.Helper()
	bus := mesh.NewBus()
	t.Cleanup(bus.Close)
	c, err := New(testRouterConfig(), dir, bus, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// drainEvent pulls one already-published event off a subscription.
func drainEvent(t *testing.T, sub *mesh.Subscription) mesh.Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	default:
		t.Fatal("expected a published event")
		return nil
	}
}

func TestNewComponentRouter_Unit(t *testing.T) {
	tests := []struct {
		name      string
		rawConfig json.RawMessage
		wantErr   bool
	}{
		{
			name:      "invalid JSON",
			rawConfig: json.RawMessage(`{bad`),
			wantErr:   true,
		},
		{
			name:      "empty config gets defaults",
			rawConfig: json.RawMessage(`{}`),
			wantErr:   false,
		},
		{
			name:      "negative process interval",
			rawConfig: json.RawMessage(`{"process_interval": -1}`),
			wantErr:   true,
		},
		{
			name:      "wake priority out of range",
			rawConfig: json.RawMessage(`{"wake_priority": 11}`),
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := component.Dependencies{
				Logger: slog.Default(),
			}

			got, err := NewComponent(tt.rawConfig, deps)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewComponent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			c, ok := got.(*Component)
			if !ok {
				t.Fatalf("NewComponent() returned %T, want *Component", got)
			}
			if c.config.MaxConcurrentPerNode != 5 || c.config.WakePriority != 8 {
				t.Errorf("defaults not applied: %+v", c.config)
			}
		})
	}
}

func TestSubmitTask(t *testing.T) {
	dir := newFakeDirectory()
	c, _ := newTestRouter(t, dir)
	store := newFakeTaskStore()
	c.SetTaskStore(store)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	id, err := c.SubmitTask(context.Background(), &mesh.Task{Type: "scan", Name: "first", Priority: 5})
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	if want := mesh.DeriveTaskID("scan", "first", 1700000000); id != want {
		t.Errorf("derived id = %s, want %s", id, want)
	}

	// Same tuple in the same epoch resolves to the same id and does not
	// enqueue twice.
	again, err := c.SubmitTask(context.Background(), &mesh.Task{Type: "scan", Name: "first", Priority: 5})
	if err != nil {
		t.Fatalf("SubmitTask() repeat error = %v", err)
	}
	if again != id {
		t.Errorf("repeat submission id = %s, want %s", again, id)
	}

	stats := c.GetStats()
	if stats.Submitted != 1 || stats.Queued != 1 {
		t.Errorf("stats = %+v, want 1 submitted, 1 queued", stats)
	}

	store.mu.Lock()
	_, persisted := store.saved[id]
	store.mu.Unlock()
	if !persisted {
		t.Error("submission was not persisted")
	}

	if _, err := c.SubmitTask(context.Background(), &mesh.Task{Name: "no-type"}); err == nil {
		t.Error("SubmitTask() without type should fail validation")
	}

	view, err := c.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("GetTaskStatus() error = %v", err)
	}
	if view.Status != mesh.TaskQueued {
		t.Errorf("status = %s, want queued", view.Status)
	}
}

func TestPendingOrder(t *testing.T) {
	dir := newFakeDirectory()
	c, _ := newTestRouter(t, dir)

	submit := func(id string, priority int) {
		t.Helper()
		task := &mesh.Task{ID: id, Type: "scan", Name: id, Priority: priority}
		if _, err := c.SubmitTask(context.Background(), task); err != nil {
			t.Fatalf("SubmitTask(%s) error = %v", id, err)
		}
	}

	submit("low", 2)
	submit("mid-first", 5)
	submit("mid-second", 5)
	submit("high", 9)

	var got []string
	for _, task := range c.pendingTasks() {
		got = append(got, task.ID)
	}
	want := []string{"high", "mid-first", "mid-second", "low"}
	if len(got) != len(want) {
		t.Fatalf("pending = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pending order = %v, want %v", got, want)
		}
	}
}

func TestAssignmentAndCompletion(t *testing.T) {
	dir := newFakeDirectory(onlineNode("worker-a", 10, "scan"))
	c, bus := newTestRouter(t, dir)
	store := newFakeTaskStore()
	sender := &fakeSender{}
	c.SetTaskStore(store)
	c.SetSender(sender)

	sub := bus.Subscribe(16, mesh.EventTaskAssigned, mesh.EventTaskCompleted)
	defer sub.Close()

	task := &mesh.Task{ID: "T1", Type: "scan", Name: "t1", Priority: 5, RequiredTools: []string{"scan"}}
	if _, err := c.SubmitTask(context.Background(), task); err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	c.processPending(context.Background())

	view, err := c.GetTaskStatus("T1")
	if err != nil {
		t.Fatalf("GetTaskStatus() error = %v", err)
	}
	if view.Status != mesh.TaskActive {
		t.Fatalf("status = %s, want active", view.Status)
	}
	if dir.loadOf("worker-a") != 1 {
		t.Errorf("worker load = %d, want 1", dir.loadOf("worker-a"))
	}

	store.mu.Lock()
	startedOn := store.started["T1"]
	store.mu.Unlock()
	if startedOn != "worker-a" {
		t.Errorf("MarkStarted node = %s, want worker-a", startedOn)
	}

	assigned, ok := drainEvent(t, sub).(mesh.TaskAssignedEvent)
	if !ok || assigned.NodeID != "worker-a" {
		t.Fatalf("first event = %+v, want task:assigned on worker-a", assigned)
	}
	if assigned.Decision.Reason != ReasonLeastScore {
		t.Errorf("decision reason = %s, want %s", assigned.Decision.Reason, ReasonLeastScore)
	}

	waitFor(t, time.Second, func() bool { return sender.assignCount() == 1 },
		"TASK_ASSIGN was never delivered")
	sender.mu.Lock()
	delivered := sender.assigns[0]
	sender.mu.Unlock()
	if delivered.payload.Task.ID != "T1" || delivered.nodeID != "worker-a" {
		t.Errorf("delivered = %+v, want task T1 to worker-a", delivered)
	}
	if delivered.ttl != c.config.TaskTimeout {
		t.Errorf("delivery ttl = %v, want default task timeout", delivered.ttl)
	}

	result := json.RawMessage(`{"found":3}`)
	c.HandleTaskComplete(context.Background(), "worker-a", "T1", result)

	view, err = c.GetTaskStatus("T1")
	if err != nil {
		t.Fatalf("GetTaskStatus() after completion error = %v", err)
	}
	if view.Status != mesh.TaskCompleted || view.Result == nil || !view.Result.Success {
		t.Fatalf("view = %+v, want completed with successful result", view)
	}
	if string(view.Result.Result) != `{"found":3}` {
		t.Errorf("result = %s, want worker payload", view.Result.Result)
	}
	if dir.loadOf("worker-a") != 0 {
		t.Errorf("worker load after completion = %d, want 0", dir.loadOf("worker-a"))
	}

	completed, ok := drainEvent(t, sub).(mesh.TaskCompletedEvent)
	if !ok || completed.NodeID != "worker-a" || completed.TaskID != "T1" {
		t.Errorf("completion event = %+v, want task:completed for T1 on worker-a", completed)
	}

	// A duplicate report has no assignment to match and is dropped.
	c.HandleTaskComplete(context.Background(), "worker-a", "T1", result)
	if got := c.GetStats().Completed; got != 1 {
		t.Errorf("completed count = %d, want 1 after duplicate report", got)
	}
}

func TestBackpressureStopsPass(t *testing.T) {
	dir := newFakeDirectory(onlineNode("worker-a", 10, "scan"))
	c, bus := newTestRouter(t, dir)
	sender := &fakeSender{}
	c.SetSender(sender)

	sub := bus.Subscribe(16, mesh.EventRoutingBackpressure)
	defer sub.Close()

	unroutable := &mesh.Task{ID: "T-gpu", Type: "train", Name: "gpu", Priority: 9, RequiredTools: []string{"gpu"}}
	routable := &mesh.Task{ID: "T-scan", Type: "scan", Name: "scan", Priority: 5, RequiredTools: []string{"scan"}}
	if _, err := c.SubmitTask(context.Background(), unroutable); err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	if _, err := c.SubmitTask(context.Background(), routable); err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	c.processPending(context.Background())

	// The starved high-priority task stops the pass before the routable
	// lower-priority task is considered.
	if sender.assignCount() != 0 {
		t.Fatalf("assignments sent = %d, want 0 while the pass is starved", sender.assignCount())
	}
	stats := c.GetStats()
	if stats.BackpressureEvents != 1 || stats.Queued != 2 {
		t.Errorf("stats = %+v, want 1 backpressure event and 2 queued", stats)
	}

	bp, ok := drainEvent(t, sub).(mesh.RoutingBackpressureEvent)
	if !ok || bp.TaskID != "T-gpu" {
		t.Fatalf("event = %+v, want backpressure for T-gpu", bp)
	}
	if bp.QueueDepth != 2 {
		t.Errorf("queue depth = %d, want 2", bp.QueueDepth)
	}

	// Clearing the blocker lets the next pass assign the routable task.
	if err := c.CancelTask(context.Background(), "T-gpu"); err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}
	c.processPending(context.Background())

	view, err := c.GetTaskStatus("T-scan")
	if err != nil {
		t.Fatalf("GetTaskStatus() error = %v", err)
	}
	if view.Status != mesh.TaskActive {
		t.Errorf("status = %s, want active after blocker removed", view.Status)
	}
}

func TestDeterministicFailover(t *testing.T) {
	dir := newFakeDirectory(
		onlineNode("worker-a", 10, "scan"),
		onlineNode("worker-b", 10, "scan"),
	)
	c, bus := newTestRouter(t, dir)

	sub := bus.Subscribe(16, mesh.EventTaskRetrying)
	defer sub.Close()

	task := &mesh.Task{ID: "T2", Type: "scan", Name: "t2", Priority: 5, Deterministic: true}
	if _, err := c.SubmitTask(context.Background(), task); err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	c.processPending(context.Background())

	c.tasksMu.RLock()
	assignment := c.active["T2"]
	c.tasksMu.RUnlock()
	if assignment == nil {
		t.Fatal("task was not assigned")
	}
	first := assignment.NodeID
	other := "worker-a"
	if first == "worker-a" {
		other = "worker-b"
	}

	c.HandleTaskFail(context.Background(), first, "T2", "boom")

	view, err := c.GetTaskStatus("T2")
	if err != nil {
		t.Fatalf("GetTaskStatus() error = %v", err)
	}
	if view.Status != mesh.TaskQueued {
		t.Fatalf("status after failover = %s, want queued", view.Status)
	}

	retrying, ok := drainEvent(t, sub).(mesh.TaskRetryingEvent)
	if !ok || retrying.FromNode != first || retrying.ToNode != other {
		t.Fatalf("retrying event = %+v, want %s -> %s", retrying, first, other)
	}
	if got := c.GetStats().Requeued; got != 1 {
		t.Errorf("requeued count = %d, want 1", got)
	}

	c.processPending(context.Background())

	c.tasksMu.RLock()
	assignment = c.active["T2"]
	c.tasksMu.RUnlock()
	if assignment == nil || assignment.NodeID != other {
		t.Fatalf("failover assignment = %+v, want pinned to %s", assignment, other)
	}
	if assignment.Decision.Reason != ReasonTargeted {
		t.Errorf("failover reason = %s, want %s", assignment.Decision.Reason, ReasonTargeted)
	}
}

func TestFailureIsFinal(t *testing.T) {
	tests := []struct {
		name          string
		deterministic bool
	}{
		{name: "non-deterministic task never retries"},
		{name: "deterministic task without alternatives", deterministic: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newFakeDirectory(onlineNode("worker-a", 10, "scan"))
			c, bus := newTestRouter(t, dir)
			store := newFakeTaskStore()
			c.SetTaskStore(store)

			sub := bus.Subscribe(16, mesh.EventTaskFailed)
			defer sub.Close()

			task := &mesh.Task{ID: "T3", Type: "scan", Name: "t3", Deterministic: tt.deterministic}
			if _, err := c.SubmitTask(context.Background(), task); err != nil {
				t.Fatalf("SubmitTask() error = %v", err)
			}
			c.processPending(context.Background())

			c.HandleTaskFail(context.Background(), "worker-a", "T3", "boom")

			view, err := c.GetTaskStatus("T3")
			if err != nil {
				t.Fatalf("GetTaskStatus() error = %v", err)
			}
			if view.Status != mesh.TaskFailed || view.Result == nil || view.Result.Error != "boom" {
				t.Fatalf("view = %+v, want failed with reason boom", view)
			}

			failed, ok := drainEvent(t, sub).(mesh.TaskFailedEvent)
			if !ok || !failed.Final {
				t.Errorf("event = %+v, want final task:failed", failed)
			}
			if dir.loadOf("worker-a") != 0 {
				t.Errorf("worker load = %d, want 0 after failure", dir.loadOf("worker-a"))
			}

			store.mu.Lock()
			reason := store.failed["T3"]
			store.mu.Unlock()
			if reason != "boom" {
				t.Errorf("persisted failure reason = %q, want boom", reason)
			}
		})
	}
}

func TestTaskTimeout(t *testing.T) {
	dir := newFakeDirectory(onlineNode("worker-a", 10, "scan"))
	c, _ := newTestRouter(t, dir)

	task := &mesh.Task{ID: "T4", Type: "scan", Name: "t4", TimeoutMs: 25}
	if _, err := c.SubmitTask(context.Background(), task); err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	c.processPending(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		view, err := c.GetTaskStatus("T4")
		return err == nil && view.Status == mesh.TaskFailed
	}, "timeout never failed the task")

	view, err := c.GetTaskStatus("T4")
	if err != nil {
		t.Fatalf("GetTaskStatus() error = %v", err)
	}
	if view.Result == nil || view.Result.Error != "Task timeout" {
		t.Errorf("result = %+v, want Task timeout failure", view.Result)
	}
}

func TestNodeOfflineRequeue(t *testing.T) {
	dir := newFakeDirectory(
		onlineNode("worker-w", 10, "scan"),
		onlineNode("worker-v", 20, "scan"),
	)
	c, bus := newTestRouter(t, dir)

	sub := bus.Subscribe(16, mesh.EventRouterNodeOffline)
	defer sub.Close()

	task := &mesh.Task{ID: "T5", Type: "scan", Name: "t5", Priority: 7, TargetNode: "worker-w"}
	if _, err := c.SubmitTask(context.Background(), task); err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	c.processPending(context.Background())

	c.tasksMu.RLock()
	assignment := c.active["T5"]
	c.tasksMu.RUnlock()
	if assignment == nil || assignment.NodeID != "worker-w" {
		t.Fatalf("assignment = %+v, want worker-w", assignment)
	}

	dir.setStatus("worker-w", mesh.NodeOffline)
	c.handleNodeOffline(context.Background(), "worker-w")

	view, err := c.GetTaskStatus("T5")
	if err != nil {
		t.Fatalf("GetTaskStatus() error = %v", err)
	}
	if view.Status != mesh.TaskQueued {
		t.Fatalf("status = %s, want queued after worker went offline", view.Status)
	}

	offline, ok := drainEvent(t, sub).(mesh.RouterNodeOfflineEvent)
	if !ok || offline.NodeID != "worker-w" || offline.RequeuedTasks != 1 {
		t.Fatalf("event = %+v, want 1 requeued task from worker-w", offline)
	}
	if dir.loadOf("worker-w") != 0 {
		t.Errorf("offline worker load = %d, want 0", dir.loadOf("worker-w"))
	}

	// The stale pin is skipped because the target is offline; the survivor
	// takes the task.
	c.processPending(context.Background())

	c.tasksMu.RLock()
	assignment = c.active["T5"]
	c.tasksMu.RUnlock()
	if assignment == nil || assignment.NodeID != "worker-v" {
		t.Fatalf("reassignment = %+v, want worker-v", assignment)
	}
}

func TestCancelTask(t *testing.T) {
	t.Run("queued task", func(t *testing.T) {
		c, _ := newTestRouter(t, newFakeDirectory())
		if _, err := c.SubmitTask(context.Background(), &mesh.Task{ID: "T6", Type: "scan", Name: "t6"}); err != nil {
			t.Fatalf("SubmitTask() error = %v", err)
		}

		if err := c.CancelTask(context.Background(), "T6"); err != nil {
			t.Fatalf("CancelTask() error = %v", err)
		}
		view, err := c.GetTaskStatus("T6")
		if err != nil {
			t.Fatalf("GetTaskStatus() error = %v", err)
		}
		if view.Status != mesh.TaskCancelled {
			t.Errorf("status = %s, want cancelled", view.Status)
		}
	})

	t.Run("active task notifies worker and discards late result", func(t *testing.T) {
		dir := newFakeDirectory(onlineNode("worker-a", 10, "scan"))
		c, _ := newTestRouter(t, dir)
		sender := &fakeSender{}
		c.SetSender(sender)

		if _, err := c.SubmitTask(context.Background(), &mesh.Task{ID: "T7", Type: "scan", Name: "t7"}); err != nil {
			t.Fatalf("SubmitTask() error = %v", err)
		}
		c.processPending(context.Background())
		waitFor(t, time.Second, func() bool { return sender.assignCount() == 1 },
			"assignment never delivered")

		if err := c.CancelTask(context.Background(), "T7"); err != nil {
			t.Fatalf("CancelTask() error = %v", err)
		}
		waitFor(t, time.Second, func() bool { return sender.rejectCount() == 1 },
			"revocation never sent")

		sender.mu.Lock()
		reject := sender.rejects[0]
		sender.mu.Unlock()
		if reject.TaskID != "T7" || reject.Reason != "cancelled" {
			t.Errorf("reject = %+v, want cancellation notice for T7", reject)
		}
		if dir.loadOf("worker-a") != 0 {
			t.Errorf("worker load = %d, want 0 after cancel", dir.loadOf("worker-a"))
		}

		// The worker may still finish; its report must not resurrect the task.
		c.HandleTaskComplete(context.Background(), "worker-a", "T7", json.RawMessage(`{}`))
		view, err := c.GetTaskStatus("T7")
		if err != nil {
			t.Fatalf("GetTaskStatus() error = %v", err)
		}
		if view.Status != mesh.TaskCancelled {
			t.Errorf("status = %s, want cancelled despite late result", view.Status)
		}
		if got := c.GetStats().Completed; got != 0 {
			t.Errorf("completed count = %d, want 0", got)
		}
	})

	t.Run("unknown and finished tasks", func(t *testing.T) {
		dir := newFakeDirectory(onlineNode("worker-a", 10, "scan"))
		c, _ := newTestRouter(t, dir)

		if err := c.CancelTask(context.Background(), "ghost"); !strings.Contains(fmt.Sprint(err), ErrUnknownTask.Error()) {
			t.Errorf("CancelTask(ghost) error = %v, want unknown task", err)
		}

		if _, err := c.SubmitTask(context.Background(), &mesh.Task{ID: "T8", Type: "scan", Name: "t8"}); err != nil {
			t.Fatalf("SubmitTask() error = %v", err)
		}
		c.processPending(context.Background())
		c.HandleTaskComplete(context.Background(), "worker-a", "T8", nil)

		if err := c.CancelTask(context.Background(), "T8"); !strings.Contains(fmt.Sprint(err), ErrTaskFinished.Error()) {
			t.Errorf("CancelTask(T8) error = %v, want already finished", err)
		}
	})
}

func TestHandleTaskProgress(t *testing.T) {
	dir := newFakeDirectory(onlineNode("worker-a", 10, "scan"))
	c, bus := newTestRouter(t, dir)
	store := newFakeTaskStore()
	c.SetTaskStore(store)

	sub := bus.Subscribe(16, mesh.EventTaskProgress)
	defer sub.Close()

	if _, err := c.SubmitTask(context.Background(), &mesh.Task{ID: "T9", Type: "scan", Name: "t9"}); err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	c.processPending(context.Background())

	c.HandleTaskProgress(context.Background(), "worker-a", "T9", 0.5, "halfway")

	progress, ok := drainEvent(t, sub).(mesh.TaskProgressEvent)
	if !ok || progress.Progress != 0.5 || progress.Message != "halfway" {
		t.Fatalf("event = %+v, want 0.5 progress", progress)
	}
	store.mu.Lock()
	stored := store.progress["T9"]
	store.mu.Unlock()
	if stored != 0.5 {
		t.Errorf("persisted progress = %v, want 0.5", stored)
	}

	// Progress for a task the router is not executing is dropped.
	c.HandleTaskProgress(context.Background(), "worker-a", "ghost", 0.9, "")
	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event %+v for unknown task", e)
	default:
	}
}

func TestAssignmentDeliveryFailure(t *testing.T) {
	dir := newFakeDirectory(onlineNode("worker-a", 10, "scan"))
	c, _ := newTestRouter(t, dir)
	sender := &fakeSender{failErr: fmt.Errorf("connection refused")}
	c.SetSender(sender)

	if _, err := c.SubmitTask(context.Background(), &mesh.Task{ID: "T10", Type: "scan", Name: "t10"}); err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	c.processPending(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		view, err := c.GetTaskStatus("T10")
		return err == nil && view.Status == mesh.TaskFailed
	}, "delivery failure never failed the task")

	view, _ := c.GetTaskStatus("T10")
	if view.Result == nil || !strings.Contains(view.Result.Error, "assignment delivery failed") {
		t.Errorf("result = %+v, want delivery failure reason", view.Result)
	}
}

func TestAcceptSubmission(t *testing.T) {
	dir := newFakeDirectory(onlineNode("worker-a", 10, "scan"))
	c, _ := newTestRouter(t, dir)

	sub := &mesh.TaskSubmission{
		Task:        mesh.Task{ID: "T11", Type: "scan", Name: "t11"},
		Source:      "test",
		SubmittedAt: time.Now().UnixMilli(),
	}
	if err := c.acceptSubmission(context.Background(), sub); err != nil {
		t.Fatalf("acceptSubmission() error = %v", err)
	}
	if got := c.GetStats().Queued; got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}

	// Redelivery of a task that already finished acks cleanly.
	c.processPending(context.Background())
	c.HandleTaskComplete(context.Background(), "worker-a", "T11", nil)
	if err := c.acceptSubmission(context.Background(), sub); err != nil {
		t.Errorf("acceptSubmission() redelivery error = %v, want ack", err)
	}

	bad := &mesh.TaskSubmission{Task: mesh.Task{ID: "T12", Name: "no-type"}}
	if err := c.acceptSubmission(context.Background(), bad); err == nil {
		t.Error("acceptSubmission() with invalid task should nack")
	}
}

func TestResultHistoryEviction(t *testing.T) {
	dir := newFakeDirectory(onlineNode("worker-a", 10, "scan"))
	cfg := testRouterConfig()
	cfg.ResultHistory = 1
	bus := mesh.NewBus()
	t.Cleanup(bus.Close)
	c, err := New(cfg, dir, bus, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, id := range []string{"first", "second"} {
		if _, err := c.SubmitTask(context.Background(), &mesh.Task{ID: id, Type: "scan", Name: id}); err != nil {
			t.Fatalf("SubmitTask(%s) error = %v", id, err)
		}
		c.processPending(context.Background())
		c.HandleTaskComplete(context.Background(), "worker-a", id, nil)
	}

	if _, err := c.GetTaskStatus("first"); err == nil {
		t.Error("oldest result should have been evicted")
	}
	if _, err := c.GetTaskStatus("second"); err != nil {
		t.Errorf("newest result missing: %v", err)
	}
}

func TestRouterLifecycle(t *testing.T) {
	dir := newFakeDirectory(onlineNode("worker-a", 10, "scan"))

	t.Run("requires event bus", func(t *testing.T) {
		c, err := New(testRouterConfig(), dir, nil, slog.Default())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if err := c.Start(context.Background()); err == nil {
			t.Error("Start() without a bus should fail")
		}
	})

	c, _ := newTestRouter(t, dir)
	fb := &fakeBroker{}
	c.SetBroker(fb)

	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	waitFor(t, time.Second, fb.isConsuming, "broker consumer never started")

	// A wake-priority submission is routed without waiting for a tick.
	task := &mesh.Task{ID: "T13", Type: "scan", Name: "t13", Priority: 9}
	if _, err := c.SubmitTask(context.Background(), task); err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		view, err := c.GetTaskStatus("T13")
		return err == nil && view.Status == mesh.TaskActive
	}, "wake submission never assigned")

	health := c.Health()
	if !health.Healthy || health.Status != "running" {
		t.Errorf("health = %+v, want running", health)
	}

	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := c.Stop(time.Second); err != nil {
		t.Errorf("repeat Stop() error = %v", err)
	}
	if c.Health().Healthy {
		t.Error("Health() after Stop should not be healthy")
	}

	c.tasksMu.RLock()
	timers := len(c.timers)
	c.tasksMu.RUnlock()
	if timers != 0 {
		t.Errorf("timers after Stop = %d, want 0", timers)
	}
}
