// Package workergateway provides tests for the worker-gateway component.
//
// Test Coverage:
//   - Component factory with invalid configurations
//   - Transport subject mapping for directed and broadcast envelopes
//   - Handshake admission, option passthrough, and the directed ack
//   - Heartbeat, load report, and metrics report dispatch
//   - Disconnect handling including unknown nodes
//   - Worker task traffic: request, progress, complete, fail, reject
//   - Reliable assignment delivery: accept resolution and retry timeout
//   - Recovery request answered with compatible peers
//   - Latency probing: fleet sweep and RTT folding
//   - Expired frame observability events
//   - Start prerequisites and config validation
package workergateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/taskmesh/mesh"
	noderegistry "github.com/c360studio/taskmesh/processor/node-registry"
	"github.com/c360studio/taskmesh/protocol"
)

type heartbeatCall struct {
	nodeID string
	load   int
	sample mesh.Sample
}

type latencyCall struct {
	nodeID string
	rttMs  float64
}

type loadCall struct {
	nodeID string
	delta  int
}

type fakeRegistry struct {
	mu           sync.Mutex
	nodes        map[string]*mesh.Node
	registered   []string
	unregistered []string
	heartbeats   []heartbeatCall
	latencies    []latencyCall
	loadDeltas   []loadCall
	recovered    []string
	recoverPeers []string
	registerErr  error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{nodes: make(map[string]*mesh.Node)}
}

func (f *fakeRegistry) RegisterNode(_ context.Context, nodeID string, capabilities []string, opts ...noderegistry.RegisterOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	node := &mesh.Node{
		ID:           nodeID,
		Capabilities: capabilities,
		Status:       mesh.NodeOnline,
	}
	for _, opt := range opts {
		opt(node)
	}
	f.nodes[nodeID] = node
	f.registered = append(f.registered, nodeID)
	return nil
}

func (f *fakeRegistry) UnregisterNode(_ context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[nodeID]; !ok {
		return noderegistry.ErrUnknownNode
	}
	delete(f.nodes, nodeID)
	f.unregistered = append(f.unregistered, nodeID)
	return nil
}

func (f *fakeRegistry) HandleHeartbeat(nodeID string, load int, sample mesh.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, heartbeatCall{nodeID: nodeID, load: load, sample: sample})
	return nil
}

func (f *fakeRegistry) ObserveLatency(nodeID string, rttMs float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latencies = append(f.latencies, latencyCall{nodeID: nodeID, rttMs: rttMs})
	return nil
}

func (f *fakeRegistry) TriggerRecovery(nodeID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, nodeID)
	return append([]string(nil), f.recoverPeers...), nil
}

func (f *fakeRegistry) GetNode(nodeID string) (*mesh.Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[nodeID]
	return node, ok
}

func (f *fakeRegistry) GetAllNodes() []*mesh.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*mesh.Node, 0, len(f.nodes))
	for _, node := range f.nodes {
		out = append(out, node)
	}
	return out
}

func (f *fakeRegistry) AddLoad(nodeID string, delta int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[nodeID]
	if !ok {
		return 0, noderegistry.ErrUnknownNode
	}
	node.CurrentLoad += delta
	f.loadDeltas = append(f.loadDeltas, loadCall{nodeID: nodeID, delta: delta})
	return node.CurrentLoad, nil
}

func (f *fakeRegistry) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

func (f *fakeRegistry) latencyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.latencies)
}

func (f *fakeRegistry) loadDeltaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loadDeltas)
}

func (f *fakeRegistry) unregisteredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unregistered)
}

type resultCall struct {
	nodeID string
	taskID string
	result json.RawMessage
}

type failCall struct {
	nodeID string
	taskID string
	reason string
}

type progressCall struct {
	nodeID   string
	taskID   string
	progress float64
	message  string
}

type fakeTasks struct {
	mu        sync.Mutex
	submitted []*mesh.Task
	submitID  string
	completes []resultCall
	fails     []failCall
	progress  []progressCall
}

func (f *fakeTasks) SubmitTask(_ context.Context, task *mesh.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, task)
	return f.submitID, nil
}

func (f *fakeTasks) HandleTaskComplete(_ context.Context, nodeID, taskID string, result json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, resultCall{nodeID: nodeID, taskID: taskID, result: result})
}

func (f *fakeTasks) HandleTaskFail(_ context.Context, nodeID, taskID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = append(f.fails, failCall{nodeID: nodeID, taskID: taskID, reason: reason})
}

func (f *fakeTasks) HandleTaskProgress(_ context.Context, nodeID, taskID string, progress float64, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progressCall{nodeID: nodeID, taskID: taskID, progress: progress, message: message})
}

func (f *fakeTasks) counts() (int, int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted), len(f.completes), len(f.fails), len(f.progress)
}

type fakeSink struct {
	mu      sync.Mutex
	samples map[string][]mesh.Sample
}

func (f *fakeSink) Record(nodeID string, sample mesh.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.samples == nil {
		f.samples = make(map[string][]mesh.Sample)
	}
	f.samples[nodeID] = append(f.samples[nodeID], sample)
}

func (f *fakeSink) count(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples[nodeID])
}

type capturedFrame struct {
	subject string
	data    []byte
}

// harness wires a gateway and a worker-side endpoint back to back: the
// worker's transport feeds the gateway's receive path, and the gateway's
// deliver hook captures outbound frames and, when forwarding, hands them to
// the worker endpoint.
type harness struct {
	gw     *Component
	worker *protocol.Protocol
	reg    *fakeRegistry
	tasks  *fakeTasks
	sink   *fakeSink
	bus    *mesh.Bus

	mu        sync.Mutex
	delivered []capturedFrame
	forward   bool
}

func (h *harness) frames() []capturedFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]capturedFrame(nil), h.delivered...)
}

func testEndpointConfig(source string) Config {
	cfg := DefaultConfig()
	cfg.Source = source
	cfg.MessageTimeout = 25 * time.Millisecond
	cfg.MaxRetries = 1
	cfg.EnableCompression = false
	cfg.BatchSize = 1
	cfg.BatchInterval = 5 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, forward bool) *harness {
	t.Helper()

	h := &harness{
		reg:     newFakeRegistry(),
		tasks:   &fakeTasks{submitID: "task-submitted"},
		sink:    &fakeSink{},
		bus:     mesh.NewBus(),
		forward: forward,
	}

	gw, err := New(testEndpointConfig("orchestrator"), nil, h.bus, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.gw = gw
	gw.SetRegistry(h.reg)
	gw.SetTaskSink(h.tasks)
	gw.SetSampleSink(h.sink)
	gw.deliver = func(ctx context.Context, subject string, data []byte) error {
		h.mu.Lock()
		h.delivered = append(h.delivered, capturedFrame{subject: subject, data: data})
		fwd := h.forward
		h.mu.Unlock()
		if fwd {
			_, _ = h.worker.Receive(ctx, data)
		}
		return nil
	}

	worker, err := protocol.New(protocol.Config{
		Source:         "worker-1",
		MessageTimeout: 25 * time.Millisecond,
		MaxRetries:     1,
		BatchSize:      1,
		BatchInterval:  5 * time.Millisecond,
		DedupWindow:    128,
	}, protocol.TransportFunc(func(ctx context.Context, _ string, data []byte) error {
		h.gw.receiveFrame(ctx, data)
		return nil
	}), slog.Default())
	if err != nil {
		t.Fatalf("protocol.New() error = %v", err)
	}
	h.worker = worker

	ctx := context.Background()
	if err := gw.endpoint.Start(ctx); err != nil {
		t.Fatalf("endpoint.Start() error = %v", err)
	}
	if err := worker.Start(ctx); err != nil {
		t.Fatalf("worker.Start() error = %v", err)
	}
	t.Cleanup(func() {
		_ = worker.Close()
		_ = gw.endpoint.Close()
		h.bus.Close()
	})
	return h
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func drainEvents(sub *mesh.Subscription) []mesh.Event {
	var out []mesh.Event
	for {
		select {
		case e := <-sub.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestNewComponent_Unit(t *testing.T) {
	tests := []struct {
		name      string
		rawConfig json.RawMessage
		wantErr   bool
	}{
		{
			name:      "invalid JSON",
			rawConfig: json.RawMessage(`{invalid`),
			wantErr:   true,
		},
		{
			name:      "negative message timeout",
			rawConfig: json.RawMessage(`{"message_timeout":-5}`),
			wantErr:   true,
		},
		{
			name:      "negative fetch batch",
			rawConfig: json.RawMessage(`{"fetch_batch":-1}`),
			wantErr:   true,
		},
		{
			name:      "defaults fill empty config",
			rawConfig: json.RawMessage(`{}`),
			wantErr:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := component.Dependencies{
				Logger: slog.Default(),
			}

			_, err := NewComponent(tt.rawConfig, deps)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewComponent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDeliver_MapsSubjects(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	if err := h.gw.Deliver(ctx, "node-7", []byte("x")); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := h.gw.Deliver(ctx, protocol.BroadcastTarget, []byte("y")); err != nil {
		t.Fatalf("Deliver() broadcast error = %v", err)
	}

	frames := h.frames()
	if len(frames) != 2 {
		t.Fatalf("delivered %d frames, want 2", len(frames))
	}
	if frames[0].subject != mesh.NodeInbox("node-7") {
		t.Errorf("directed subject = %q, want %q", frames[0].subject, mesh.NodeInbox("node-7"))
	}
	if frames[1].subject != mesh.SubjectBroadcast {
		t.Errorf("broadcast subject = %q, want %q", frames[1].subject, mesh.SubjectBroadcast)
	}
}

func TestHandshake_RegistersAndAcks(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	msg, err := h.worker.CreateMessage("orchestrator", protocol.TypeHandshake, protocol.HandshakePayload{
		NodeID:        "worker-1",
		Capabilities:  []string{"compute", "scan"},
		MaxConcurrent: 8,
		Version:       "1.2.0",
	}, 5)
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	pend, err := h.worker.Send(ctx, msg)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	reply, err := pend.Await(ctx)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}

	var ack protocol.CapabilityUpdatePayload
	if err := json.Unmarshal(reply, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.NodeID != "worker-1" || ack.Action != protocol.CapabilityRegistered {
		t.Errorf("ack = %+v, want registered worker-1", ack)
	}

	node, ok := h.reg.GetNode("worker-1")
	if !ok {
		t.Fatal("worker-1 not registered")
	}
	if node.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want 8", node.MaxConcurrent)
	}
	if node.Version != "1.2.0" {
		t.Errorf("Version = %q, want 1.2.0", node.Version)
	}

	var sawInbox bool
	for _, f := range h.frames() {
		if f.subject == mesh.NodeInbox("worker-1") {
			sawInbox = true
		}
	}
	if !sawInbox {
		t.Error("ack was not delivered to the worker inbox subject")
	}
}

func TestHeartbeat_FeedsRegistry(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	msg, err := h.worker.CreateMessage("orchestrator", protocol.TypeHeartbeat, protocol.HeartbeatPayload{
		NodeID:      "worker-1",
		CurrentLoad: 3,
		CPU:         42.5,
		Memory:      61.0,
	}, 0)
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if err := h.worker.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitFor(t, time.Second, func() bool { return h.reg.heartbeatCount() == 1 })

	h.reg.mu.Lock()
	hb := h.reg.heartbeats[0]
	h.reg.mu.Unlock()
	if hb.nodeID != "worker-1" || hb.load != 3 {
		t.Errorf("heartbeat = %+v, want worker-1 load 3", hb)
	}
	if hb.sample.CPU != 42.5 {
		t.Errorf("sample CPU = %v, want 42.5", hb.sample.CPU)
	}
}

func TestDisconnect_Unregisters(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.reg.nodes["worker-1"] = &mesh.Node{ID: "worker-1", Status: mesh.NodeOnline}

	msg, err := h.worker.CreateMessage("orchestrator", protocol.TypeDisconnect, protocol.DisconnectPayload{
		NodeID: "worker-1",
		Reason: "shutdown",
	}, 0)
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if err := h.worker.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitFor(t, time.Second, func() bool { return h.reg.unregisteredCount() == 1 })

	// A departure notice for a node the registry never knew is not a fault.
	msg2, err := h.worker.CreateMessage("orchestrator", protocol.TypeDisconnect, protocol.DisconnectPayload{
		NodeID: "ghost-9",
	}, 0)
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if err := h.worker.Publish(ctx, msg2); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return h.gw.framesIngested.Load() >= 2 })
	if got := h.gw.framesRejected.Load(); got != 0 {
		t.Errorf("framesRejected = %d, want 0", got)
	}
}

func TestTaskTraffic_RoutesToSink(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	publish := func(msgType protocol.MessageType, payload any) {
		t.Helper()
		msg, err := h.worker.CreateMessage("orchestrator", msgType, payload, 0)
		if err != nil {
			t.Fatalf("CreateMessage(%s) error = %v", msgType, err)
		}
		if err := h.worker.Publish(ctx, msg); err != nil {
			t.Fatalf("Publish(%s) error = %v", msgType, err)
		}
	}

	publish(protocol.TypeTaskProgress, protocol.TaskProgressPayload{
		TaskID: "task-1", NodeID: "worker-1", Progress: 0.5, Message: "halfway",
	})
	publish(protocol.TypeTaskComplete, protocol.TaskCompletePayload{
		TaskID: "task-1", NodeID: "worker-1", Result: json.RawMessage(`{"ok":true}`),
	})
	publish(protocol.TypeTaskFail, protocol.TaskFailPayload{
		TaskID: "task-2", NodeID: "worker-1",
	})
	publish(protocol.TypeTaskReject, protocol.TaskRejectPayload{
		TaskID: "task-3", NodeID: "worker-1", Reason: "busy",
	})

	waitFor(t, time.Second, func() bool {
		_, completes, fails, progress := h.tasks.counts()
		return completes == 1 && fails == 2 && progress == 1
	})

	h.tasks.mu.Lock()
	defer h.tasks.mu.Unlock()
	if h.tasks.progress[0].progress != 0.5 || h.tasks.progress[0].message != "halfway" {
		t.Errorf("progress = %+v, want 0.5 halfway", h.tasks.progress[0])
	}
	if string(h.tasks.completes[0].result) != `{"ok":true}` {
		t.Errorf("result = %s, want {\"ok\":true}", h.tasks.completes[0].result)
	}
	reasons := map[string]string{}
	for _, f := range h.tasks.fails {
		reasons[f.taskID] = f.reason
	}
	if reasons["task-2"] != "worker reported failure" {
		t.Errorf("empty fail reason = %q, want substitute", reasons["task-2"])
	}
	if reasons["task-3"] != "rejected: busy" {
		t.Errorf("reject reason = %q, want rejected: busy", reasons["task-3"])
	}
}

func TestTaskRequest_SubmitsAndAcks(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	msg, err := h.worker.CreateMessage("orchestrator", protocol.TypeTaskRequest, protocol.TaskRequestPayload{
		Task: mesh.Task{Type: "scan", Name: "nightly", Priority: 4},
	}, 4)
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	pend, err := h.worker.Send(ctx, msg)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	reply, err := pend.Await(ctx)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}

	var ack protocol.TaskAcceptPayload
	if err := json.Unmarshal(reply, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.TaskID != "task-submitted" {
		t.Errorf("ack task id = %q, want task-submitted", ack.TaskID)
	}

	submitted, _, _, _ := h.tasks.counts()
	if submitted != 1 {
		t.Fatalf("submitted = %d, want 1", submitted)
	}
	h.tasks.mu.Lock()
	task := h.tasks.submitted[0]
	h.tasks.mu.Unlock()
	if task.Type != "scan" || task.Name != "nightly" {
		t.Errorf("submitted task = %+v, want scan/nightly", task)
	}
}

func TestSendTaskAssign_AwaitsAccept(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.worker.RegisterHandler(protocol.TypeTaskAssign, func(ctx context.Context, msg *protocol.Message) error {
		p, err := protocol.DecodePayload[protocol.TaskAssignPayload](msg)
		if err != nil {
			return err
		}
		ack, err := json.Marshal(protocol.TaskAcceptPayload{TaskID: p.Task.ID, NodeID: "worker-1"})
		if err != nil {
			return err
		}
		return h.worker.Publish(ctx, msg.Reply(protocol.TypeTaskAccept, ack))
	})

	err := h.gw.SendTaskAssign(ctx, "worker-1", protocol.TaskAssignPayload{
		Task:     mesh.Task{ID: "task-9", Type: "scan"},
		Decision: mesh.RoutingDecision{NodeID: "worker-1", Reason: "least-score"},
	}, 7, time.Minute)
	if err != nil {
		t.Fatalf("SendTaskAssign() error = %v", err)
	}

	if got := h.gw.assignsSent.Load(); got != 1 {
		t.Errorf("assignsSent = %d, want 1", got)
	}
	frames := h.frames()
	if len(frames) == 0 || frames[0].subject != mesh.NodeInbox("worker-1") {
		t.Errorf("assign not delivered to worker inbox, frames = %+v", frames)
	}
}

func TestSendTaskAssign_TimesOut(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	err := h.gw.SendTaskAssign(ctx, "worker-1", protocol.TaskAssignPayload{
		Task: mesh.Task{ID: "task-9"},
	}, 0, 0)
	if err == nil {
		t.Fatal("SendTaskAssign() succeeded without an accept")
	}
	if !mesh.IsKind(err, mesh.KindSendTimeout) {
		t.Errorf("error = %v, want send_timeout kind", err)
	}
	if got := h.gw.assignsSent.Load(); got != 0 {
		t.Errorf("assignsSent = %d, want 0", got)
	}
}

func TestSendTaskReject_Delivers(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	err := h.gw.SendTaskReject(ctx, "worker-1", protocol.TaskRejectPayload{
		TaskID: "task-9", Reason: "node offline",
	})
	if err != nil {
		t.Fatalf("SendTaskReject() error = %v", err)
	}
	frames := h.frames()
	if len(frames) != 1 || frames[0].subject != mesh.NodeInbox("worker-1") {
		t.Errorf("reject frames = %+v, want one to worker inbox", frames)
	}
}

func TestBroadcastCapabilityUpdate_UsesBroadcastSubject(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	err := h.gw.BroadcastCapabilityUpdate(ctx, protocol.CapabilityUpdatePayload{
		NodeID:       "worker-1",
		Capabilities: []string{"compute"},
		Action:       protocol.CapabilityRegistered,
	})
	if err != nil {
		t.Fatalf("BroadcastCapabilityUpdate() error = %v", err)
	}

	frames := h.frames()
	if len(frames) != 1 || frames[0].subject != mesh.SubjectBroadcast {
		t.Errorf("frames = %+v, want one on %s", frames, mesh.SubjectBroadcast)
	}
}

func TestRecoveryRequest_AnswersWithPeers(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.reg.recoverPeers = []string{"node-a", "node-b"}

	msg, err := h.worker.CreateMessage("orchestrator", protocol.TypeRecoveryRequest, protocol.RecoveryRequestPayload{
		NodeID: "worker-1",
		Reason: "lost orchestrator",
	}, 8)
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	pend, err := h.worker.Send(ctx, msg)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	reply, err := pend.Await(ctx)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}

	var resp protocol.RecoveryResponsePayload
	if err := json.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.AvailableNodes) != 2 || resp.AvailableNodes[0] != "node-a" {
		t.Errorf("AvailableNodes = %v, want [node-a node-b]", resp.AvailableNodes)
	}

	h.reg.mu.Lock()
	recovered := append([]string(nil), h.reg.recovered...)
	h.reg.mu.Unlock()
	if len(recovered) != 1 || recovered[0] != "worker-1" {
		t.Errorf("recovered = %v, want [worker-1]", recovered)
	}
}

func TestLoadReport_AppliesDelta(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.reg.nodes["worker-1"] = &mesh.Node{ID: "worker-1", Status: mesh.NodeOnline, CurrentLoad: 2, MaxConcurrent: 8}

	msg, err := h.worker.CreateMessage("orchestrator", protocol.TypeLoadReport, protocol.LoadReportPayload{
		NodeID: "worker-1",
		Load:   5,
	}, 0)
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if err := h.worker.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitFor(t, time.Second, func() bool { return h.reg.loadDeltaCount() == 1 })

	h.reg.mu.Lock()
	call := h.reg.loadDeltas[0]
	node := h.reg.nodes["worker-1"]
	h.reg.mu.Unlock()
	if call.delta != 3 {
		t.Errorf("delta = %d, want 3", call.delta)
	}
	if node.CurrentLoad != 5 {
		t.Errorf("CurrentLoad = %d, want 5", node.CurrentLoad)
	}

	// A report from an untracked node changes nothing.
	msg2, err := h.worker.CreateMessage("orchestrator", protocol.TypeLoadReport, protocol.LoadReportPayload{
		NodeID: "ghost-9",
		Load:   1,
	}, 0)
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if err := h.worker.Publish(ctx, msg2); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return h.gw.framesIngested.Load() >= 2 })
	if got := h.reg.loadDeltaCount(); got != 1 {
		t.Errorf("loadDeltas = %d, want 1", got)
	}
}

func TestMetricsReport_RecordsSample(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	msg, err := h.worker.CreateMessage("orchestrator", protocol.TypeMetricsReport, protocol.MetricsReportPayload{
		NodeID: "worker-1",
		CPU:    77.0,
	}, 0)
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if err := h.worker.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitFor(t, time.Second, func() bool { return h.sink.count("worker-1") == 1 })

	h.sink.mu.Lock()
	sample := h.sink.samples["worker-1"][0]
	h.sink.mu.Unlock()
	if sample.CPU != 77.0 {
		t.Errorf("sample CPU = %v, want 77", sample.CPU)
	}
}

func TestLatencyResponse_FoldsRTT(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	h.gw.now = func() time.Time { return base.Add(42 * time.Millisecond) }

	msg, err := h.worker.CreateMessage("orchestrator", protocol.TypeLatencyResponse, protocol.LatencyResponsePayload{
		NodeID: "worker-1",
		SentAt: base.UnixMilli(),
	}, 0)
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if err := h.worker.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitFor(t, time.Second, func() bool { return h.reg.latencyCount() == 1 })

	h.reg.mu.Lock()
	call := h.reg.latencies[0]
	h.reg.mu.Unlock()
	if call.nodeID != "worker-1" || call.rttMs != 42 {
		t.Errorf("latency = %+v, want worker-1 42ms", call)
	}
}

func TestProbeFleet_SkipsOffline(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.reg.nodes["node-a"] = &mesh.Node{ID: "node-a", Status: mesh.NodeOnline}
	h.reg.nodes["node-b"] = &mesh.Node{ID: "node-b", Status: mesh.NodeOffline}

	h.gw.probeFleet(ctx)

	frames := h.frames()
	if len(frames) != 1 {
		t.Fatalf("delivered %d probes, want 1", len(frames))
	}
	if frames[0].subject != mesh.NodeInbox("node-a") {
		t.Errorf("probe subject = %q, want %q", frames[0].subject, mesh.NodeInbox("node-a"))
	}
	if got := h.gw.probesSent.Load(); got != 1 {
		t.Errorf("probesSent = %d, want 1", got)
	}
}

func TestExpiredFrame_PublishesEvent(t *testing.T) {
	h := newHarness(t, false)
	sub := h.bus.Subscribe(8, mesh.EventMessageExpired)
	defer sub.Close()

	raw, err := json.Marshal(protocol.Message{
		ID:        "msg-expired",
		Version:   protocol.Version,
		Source:    "worker-9",
		Target:    "orchestrator",
		Type:      protocol.TypeHeartbeat,
		Timestamp: 1,
		TTL:       1,
	})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}

	h.gw.receiveFrame(context.Background(), raw)

	if got := h.gw.framesRejected.Load(); got != 1 {
		t.Fatalf("framesRejected = %d, want 1", got)
	}
	events := drainEvents(sub)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	expired, ok := events[0].(mesh.MessageExpiredEvent)
	if !ok {
		t.Fatalf("event type = %T, want MessageExpiredEvent", events[0])
	}
	if expired.MessageID != "msg-expired" || expired.Source != "worker-9" {
		t.Errorf("event = %+v, want msg-expired from worker-9", expired)
	}
}

func TestStart_RequiresCollaborators(t *testing.T) {
	gw, err := New(testEndpointConfig("orchestrator"), nil, nil, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	gw.SetRegistry(newFakeRegistry())
	gw.SetTaskSink(&fakeTasks{})

	if err := gw.Start(context.Background()); err == nil {
		t.Error("Start() without a NATS client succeeded")
	}
	if err := gw.Stop(time.Second); err != nil {
		t.Errorf("Stop() on a stopped component error = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty source", func(c *Config) { c.Source = "" }},
		{"zero message timeout", func(c *Config) { c.MessageTimeout = 0 }},
		{"negative max retries", func(c *Config) { c.MaxRetries = -1 }},
		{"empty ingress stream", func(c *Config) { c.IngressStream = "" }},
		{"empty ingress subject", func(c *Config) { c.IngressSubject = "" }},
		{"empty consumer name", func(c *Config) { c.ConsumerName = "" }},
		{"zero fetch batch", func(c *Config) { c.FetchBatch = 0 }},
		{"zero fetch max wait", func(c *Config) { c.FetchMaxWait = 0 }},
		{"zero ack wait", func(c *Config) { c.AckWait = 0 }},
		{"zero probe interval", func(c *Config) { c.ProbeInterval = 0 }},
	}

	base := DefaultConfig()
	if err := base.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted an invalid config")
			}
		})
	}
}
