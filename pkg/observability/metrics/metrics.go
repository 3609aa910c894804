package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "clustercore"

var (
    once sync.Once

    Phase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "phase",
        Help:      "1 for the current membership phase of this node, 0 for the others",
    }, []string{"phase"})

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "is_leader",
        Help:      "1 if this node is the leader, else 0",
    })

    LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "leader_changes_total",
        Help:      "Total number of observed leader changes",
    })

    ClusterStatusCode = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "status_code",
        Help:      "Consolidated cluster status code (0 is healthy)",
    })

    PeersUp = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "peers_up",
        Help:      "Number of peers that answered their last heartbeat",
    })

    HeartbeatsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "heartbeat",
        Name:      "sent_total",
        Help:      "Outbound heartbeats by result",
    }, []string{"result"})

    HeartbeatsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "heartbeat",
        Name:      "received_total",
        Help:      "Inbound heartbeats by result",
    }, []string{"result"})

    HeartbeatRTT = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: namespace,
        Subsystem: "heartbeat",
        Name:      "rtt_seconds",
        Help:      "Round trip time of outbound heartbeats",
        Buckets:   []float64{.005, .01, .025, .05, .1, .15, .25, .5, 1, 1.666},
    })

    HeartbeatInterval = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "heartbeat",
        Name:      "interval_units",
        Help:      "Current adaptive heartbeat interval",
    })

    VerifyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "heartbeat",
        Name:      "verify_errors_total",
        Help:      "Errors raised while verifying inbound heartbeats",
    }, []string{"code"})

    Actions = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "heartbeat",
        Name:      "actions_total",
        Help:      "Corrective actions executed",
    }, []string{"action"})

    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "join_requests_total",
        Help:      "Total join requests handled by this node",
    }, []string{"result"})

    Invites = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "invites_total",
        Help:      "Invitation attempts sent by this node",
    }, []string{"result"})

    Syncs = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "syncs_total",
        Help:      "Sync pulls by result",
    }, []string{"result"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

var phases = []string{"EPHEMERAL", "LEADERLESS", "FOLLOWER", "LEADER", "DEGRADED"}

// SetPhase flips the phase gauge to p.
func SetPhase(p string) {
    for _, name := range phases {
        v := 0.0
        if name == p { v = 1 }
        Phase.WithLabelValues(name).Set(v)
    }
}

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(Phase, IsLeader, LeaderChanges, ClusterStatusCode, PeersUp)
        prometheus.MustRegister(HeartbeatsSent, HeartbeatsReceived, HeartbeatRTT, HeartbeatInterval, VerifyErrors, Actions)
        prometheus.MustRegister(JoinRequests, Invites, Syncs)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
    })
}
