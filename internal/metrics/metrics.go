// Package metrics exposes Prometheus counters for the flow engine and its
// collaborators. Collectors register on the default registry; the API server
// serves them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solarflow",
		Name:      "inbound_messages_total",
		Help:      "Inbound messages by type",
	}, []string{"type"})

	flowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solarflow",
		Name:      "flows_started_total",
		Help:      "Flow activations by flow name",
	}, []string{"flow"})

	flowsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solarflow",
		Name:      "flows_ended_total",
		Help:      "Flow terminations by flow name and reason",
	}, []string{"flow", "reason"})

	stepAdvances = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solarflow",
		Name:      "step_advances_total",
		Help:      "Step transitions taken by flow name",
	}, []string{"flow"})

	handovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solarflow",
		Name:      "human_handovers_total",
		Help:      "Escalations to a human agent by flow name",
	}, []string{"flow"})

	staleResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "solarflow",
		Name:      "stale_state_resets_total",
		Help:      "Contact flow states reset by the idle-timeout sweep",
	})

	actionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solarflow",
		Name:      "actions_executed_total",
		Help:      "Step actions run by action type and outcome",
	}, []string{"action", "outcome"})

	notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solarflow",
		Name:      "notifications_total",
		Help:      "Notifications dispatched by template and outcome",
	}, []string{"template", "outcome"})
)

func IncInboundMessage(msgType string)  { inboundMessages.WithLabelValues(msgType).Inc() }
func IncFlowStarted(flow string)        { flowsStarted.WithLabelValues(flow).Inc() }
func IncFlowEnded(flow, reason string)  { flowsEnded.WithLabelValues(flow, reason).Inc() }
func IncStepAdvance(flow string)        { stepAdvances.WithLabelValues(flow).Inc() }
func IncHandover(flow string)           { handovers.WithLabelValues(flow).Inc() }
func IncStaleReset()                    { staleResets.Inc() }
func IncAction(action, outcome string)  { actionsExecuted.WithLabelValues(action, outcome).Inc() }
func IncNotification(tpl, outcome string) {
	notifications.WithLabelValues(tpl, outcome).Inc()
}
