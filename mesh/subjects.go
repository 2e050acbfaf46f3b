package mesh

import (
	"strconv"

	"github.com/c360studio/semstreams/natsclient"
)

// Transport subjects for orchestrator/worker protocol traffic. Workers
// publish their protocol envelopes to the ingress subject; the orchestrator
// delivers directed envelopes to per-node inboxes and fleet-wide envelopes
// to the broadcast subject.
const (
	SubjectIngress   = "mesh.ingress"
	SubjectBroadcast = "mesh.broadcast"

	// StreamIngress buffers worker envelopes for the gateway consumer.
	StreamIngress = "MESH_INGRESS"

	// StreamTasks is the priority-banded submitted-task work queue.
	StreamTasks = "MESH_TASKS"
)

// NodeInbox returns the directed delivery subject for a worker.
func NodeInbox(nodeID string) string {
	return "mesh.node." + nodeID + ".inbox"
}

// TaskSubmitSubject returns the broker subject for a priority band (0..10).
func TaskSubmitSubject(priority int) string {
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}
	return "mesh.tasks.submit.p" + strconv.Itoa(priority)
}

// TaskSubmitSubjects returns every priority band subject, highest band
// first. NATS wildcards match whole tokens only, so the stream binds the
// enumerated set rather than a p* pattern.
func TaskSubmitSubjects() []string {
	subjects := make([]string, 0, 11)
	for p := 10; p >= 0; p-- {
		subjects = append(subjects, TaskSubmitSubject(p))
	}
	return subjects
}

// Operator endpoints answered over NATS request/reply by a running
// orchestrator.
const (
	SubjectOpsSubmit = "mesh.ops.submit"
	SubjectOpsStatus = "mesh.ops.status"
	SubjectOpsHealth = "mesh.ops.health"
	SubjectOpsStats  = "mesh.ops.stats"
	SubjectOpsCancel = "mesh.ops.cancel"
)

// Observer event subjects, one per bus event kind, under
// "mesh.events.<area>.<name>".
const (
	SubjectEventTaskCreated    = "mesh.events.task.created"
	SubjectEventTaskQueued     = "mesh.events.task.queued"
	SubjectEventTaskAssigned   = "mesh.events.task.assigned"
	SubjectEventTaskStarted    = "mesh.events.task.started"
	SubjectEventTaskProgress   = "mesh.events.task.progress"
	SubjectEventTaskCompleted  = "mesh.events.task.completed"
	SubjectEventTaskFailed     = "mesh.events.task.failed"
	SubjectEventTaskCancelled  = "mesh.events.task.cancelled"
	SubjectEventTaskRetrying   = "mesh.events.task.retrying"
	SubjectEventNodeJoined     = "mesh.events.node.joined"
	SubjectEventNodeLeft       = "mesh.events.node.left"
	SubjectEventNodeOffline    = "mesh.events.node.offline"
	SubjectEventAlert          = "mesh.events.performance.alert"
	SubjectEventBackpressure   = "mesh.events.routing.backpressure"
	SubjectEventRouterOffline  = "mesh.events.router.node_offline"
	SubjectEventSystemStatus   = "mesh.events.system.status"
	SubjectEventSystemFailover = "mesh.events.system.failover"
	SubjectEventMessageExpired = "mesh.events.message.expired"
)

// EventSubject maps a bus event kind to its observer subject. Unknown kinds
// return "".
func EventSubject(kind EventKind) string {
	switch kind {
	case EventTaskCreated:
		return SubjectEventTaskCreated
	case EventTaskQueued:
		return SubjectEventTaskQueued
	case EventTaskAssigned:
		return SubjectEventTaskAssigned
	case EventTaskStarted:
		return SubjectEventTaskStarted
	case EventTaskProgress:
		return SubjectEventTaskProgress
	case EventTaskCompleted:
		return SubjectEventTaskCompleted
	case EventTaskFailed:
		return SubjectEventTaskFailed
	case EventTaskCancelled:
		return SubjectEventTaskCancelled
	case EventTaskRetrying:
		return SubjectEventTaskRetrying
	case EventNodeJoined:
		return SubjectEventNodeJoined
	case EventNodeLeft:
		return SubjectEventNodeLeft
	case EventNodeOffline:
		return SubjectEventNodeOffline
	case EventPerformanceAlert:
		return SubjectEventAlert
	case EventRoutingBackpressure:
		return SubjectEventBackpressure
	case EventRouterNodeOffline:
		return SubjectEventRouterOffline
	case EventSystemStatus:
		return SubjectEventSystemStatus
	case EventSystemFailover:
		return SubjectEventSystemFailover
	case EventMessageExpired:
		return SubjectEventMessageExpired
	default:
		return ""
	}
}

// Typed subject definitions for the externally observable event streams.
// These provide compile-time type safety for NATS publish/subscribe
// operations on the dashboard-facing subjects.
var (
	TaskCompletedSubject = natsclient.NewSubject[TaskCompletedEvent](
		SubjectEventTaskCompleted)
	TaskFailedSubject = natsclient.NewSubject[TaskFailedEvent](
		SubjectEventTaskFailed)
	TaskAssignedSubject = natsclient.NewSubject[TaskAssignedEvent](
		SubjectEventTaskAssigned)
	NodeJoinedSubject = natsclient.NewSubject[NodeJoinedEvent](
		SubjectEventNodeJoined)
	NodeLeftSubject = natsclient.NewSubject[NodeLeftEvent](
		SubjectEventNodeLeft)
	PerformanceAlertSubject = natsclient.NewSubject[PerformanceAlertEvent](
		SubjectEventAlert)
	SystemStatusSubject = natsclient.NewSubject[SystemStatusEvent](
		SubjectEventSystemStatus)
)
