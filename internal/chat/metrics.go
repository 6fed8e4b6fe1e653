package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeChats = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_chats_active",
		Help: "Number of chats currently held by the registry.",
	})

	pendingApprovals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_approvals_pending",
		Help: "Tool permission requests waiting for a decision.",
	})

	turnsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_turns_started_total",
		Help: "Total turns started (agent processes spawned).",
	})

	approvalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_approval_decisions_total",
		Help: "Approval decisions delivered to the agent, by behavior.",
	}, []string{"behavior"})

	abnormalExits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_abnormal_exits_total",
		Help: "Agent processes that exited without signaling turn completion.",
	})
)
