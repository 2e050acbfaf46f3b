package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/taskmesh/mesh"
)

// gaugePollInterval is how often the gauge sources are sampled.
const gaugePollInterval = 5 * time.Second

// maxTrackedTasks caps the taskID-to-type map that labels terminal-event
// counters. Beyond the cap new tasks count under the unknown label.
const maxTrackedTasks = 16384

// gaugeSnapshot is one poll of the gauge sources.
type gaugeSnapshot struct {
	queued      int
	active      int
	nodesOnline int
}

// metricsServer exposes the Prometheus endpoint. The registry is private
// to the orchestrator instance so several can run side by side in tests.
// Counters follow bus events; gauges are polled.
type metricsServer struct {
	addr   string
	bus    *mesh.Bus
	poll   func() gaugeSnapshot
	logger *slog.Logger

	registry  *prometheus.Registry
	server    *http.Server
	boundAddr string

	sub  *mesh.Subscription
	done chan struct{}

	tasksSubmitted    *prometheus.CounterVec
	tasksCompleted    *prometheus.CounterVec
	tasksFailed       *prometheus.CounterVec
	backpressure      prometheus.Counter
	queueDepth        prometheus.Gauge
	activeAssignments prometheus.Gauge
	nodesOnline       prometheus.Gauge
	assignmentLatency prometheus.Histogram

	mu        sync.Mutex
	taskTypes map[string]string
}

func newMetricsServer(addr string, bus *mesh.Bus, poll func() gaugeSnapshot, logger *slog.Logger) *metricsServer {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &metricsServer{
		addr:      addr,
		bus:       bus,
		poll:      poll,
		logger:    logger,
		registry:  registry,
		taskTypes: make(map[string]string),
	}

	m.tasksSubmitted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Name:      "tasks_submitted_total",
		Help:      "Tasks admitted into the mesh.",
	}, []string{"type"})
	m.tasksCompleted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Name:      "tasks_completed_total",
		Help:      "Tasks that reached a successful terminal state.",
	}, []string{"type"})
	m.tasksFailed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Name:      "tasks_failed_total",
		Help:      "Tasks that failed with no retry remaining.",
	}, []string{"type"})
	m.backpressure = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Name:      "backpressure_events_total",
		Help:      "Routing ticks aborted because no worker could take the next task.",
	})
	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskmesh",
		Name:      "queue_depth",
		Help:      "Tasks waiting for assignment.",
	})
	m.activeAssignments = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskmesh",
		Name:      "active_assignments",
		Help:      "Tasks currently executing on workers.",
	})
	m.nodesOnline = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskmesh",
		Name:      "nodes_online",
		Help:      "Workers in the ONLINE state.",
	})
	m.assignmentLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskmesh",
		Name:      "assignment_latency_ms",
		Help:      "Wall time from assignment to completion in milliseconds.",
		Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 60000, 300000},
	})

	return m
}

// Start binds the listener, serves /metrics, and begins following the bus.
func (m *metricsServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", m.addr, err)
	}

	m.boundAddr = listener.Addr().String()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if serveErr := m.server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			m.logger.Warn("Metrics server stopped", "error", serveErr)
		}
	}()

	m.sub = m.bus.Subscribe(256,
		mesh.EventTaskCreated,
		mesh.EventTaskCompleted,
		mesh.EventTaskFailed,
		mesh.EventTaskCancelled,
		mesh.EventRoutingBackpressure,
	)
	m.done = make(chan struct{})
	go m.run(ctx)

	m.logger.Info("Metrics listener ready", "addr", listener.Addr().String())
	return nil
}

func (m *metricsServer) run(ctx context.Context) {
	defer close(m.done)

	m.refreshGauges()
	ticker := time.NewTicker(gaugePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-m.sub.Events():
			if !ok {
				return
			}
			m.observe(event)
		case <-ticker.C:
			m.refreshGauges()
		}
	}
}

func (m *metricsServer) refreshGauges() {
	snap := m.poll()
	m.queueDepth.Set(float64(snap.queued))
	m.activeAssignments.Set(float64(snap.active))
	m.nodesOnline.Set(float64(snap.nodesOnline))
}

func (m *metricsServer) observe(event mesh.Event) {
	switch e := event.(type) {
	case mesh.TaskCreatedEvent:
		m.tasksSubmitted.WithLabelValues(e.Type).Inc()
		m.mu.Lock()
		if len(m.taskTypes) < maxTrackedTasks {
			m.taskTypes[e.TaskID] = e.Type
		}
		m.mu.Unlock()
	case mesh.TaskCompletedEvent:
		m.tasksCompleted.WithLabelValues(m.takeType(e.TaskID)).Inc()
		m.assignmentLatency.Observe(float64(e.DurationMs))
	case mesh.TaskFailedEvent:
		if e.Final {
			m.tasksFailed.WithLabelValues(m.takeType(e.TaskID)).Inc()
		}
	case mesh.TaskCancelledEvent:
		m.mu.Lock()
		delete(m.taskTypes, e.TaskID)
		m.mu.Unlock()
	case mesh.RoutingBackpressureEvent:
		m.backpressure.Inc()
	}
}

// takeType returns the recorded type of a finished task and forgets it.
func (m *metricsServer) takeType(taskID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.taskTypes[taskID]
	if !ok {
		return "unknown"
	}
	delete(m.taskTypes, taskID)
	return t
}

// Stop closes the bus subscription, waits for the follower, and shuts the
// HTTP server down.
func (m *metricsServer) Stop() error {
	if m.sub != nil {
		m.sub.Close()
	}
	if m.done != nil {
		<-m.done
	}
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}
