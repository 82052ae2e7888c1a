package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_gossip",
        Name:      "members_total",
        Help:      "Current number of known cluster members",
    })

    MgmtRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_gossip",
        Name:      "mgmt_requests_total",
        Help:      "Total number of management requests by operation and result",
    }, []string{"op", "result"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_gossip",
        Subsystem: "grpc",
        Name:      "conn_dials_total",
        Help:      "Total number of gRPC client connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_gossip",
        Subsystem: "grpc",
        Name:      "conn_reuse_total",
        Help:      "Total number of gRPC client connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_gossip",
        Subsystem: "grpc",
        Name:      "conn_evictions_total",
        Help:      "Total number of idle gRPC client connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_gossip",
        Subsystem: "grpc",
        Name:      "conn_active",
        Help:      "Number of cached gRPC client connections",
    })

    GossipsOriginated = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_gossip",
        Subsystem: "gossip",
        Name:      "originated_total",
        Help:      "Total number of gossips injected by this node",
    })
    GossipsReceived = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_gossip",
        Subsystem: "gossip",
        Name:      "received_total",
        Help:      "Total number of gossips received from peers, duplicates included",
    })
    GossipsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_gossip",
        Subsystem: "gossip",
        Name:      "duplicates_total",
        Help:      "Total number of received gossips discarded as already known",
    })
    GossipsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_gossip",
        Subsystem: "gossip",
        Name:      "delivered_total",
        Help:      "Total number of gossips delivered to local listeners",
    })
    GossipRounds = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_gossip",
        Subsystem: "gossip",
        Name:      "rounds_total",
        Help:      "Total number of dissemination rounds executed",
    })
    GossipSends = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_gossip",
        Subsystem: "gossip",
        Name:      "sends_total",
        Help:      "Total number of gossip batches sent to members by result",
    }, []string{"result"})
    GossipTableSize = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_gossip",
        Subsystem: "gossip",
        Name:      "table_size",
        Help:      "Number of gossips currently retained in the local table",
    })
    GossipPending = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_gossip",
        Subsystem: "gossip",
        Name:      "pending_states",
        Help:      "Number of (gossip, member) pairs still to be propagated at round start",
    })

    ChannelDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_gossip",
        Subsystem: "channel",
        Name:      "dials_total",
        Help:      "Total number of outbound transport channels created",
    })
    ChannelReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_gossip",
        Subsystem: "channel",
        Name:      "reuse_total",
        Help:      "Total number of outbound channel reuses from cache",
    })
    ChannelEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_gossip",
        Subsystem: "channel",
        Name:      "evictions_total",
        Help:      "Total number of idle outbound channels evicted",
    })
    ChannelsActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_gossip",
        Subsystem: "channel",
        Name:      "active",
        Help:      "Number of cached outbound channels",
    })
    ChannelTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_gossip",
        Subsystem: "channel",
        Name:      "transitions_total",
        Help:      "Total number of channel status transitions by target status",
    }, []string{"status"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(ClusterMembers)
        prometheus.MustRegister(MgmtRequests)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
        prometheus.MustRegister(GossipsOriginated)
        prometheus.MustRegister(GossipsReceived)
        prometheus.MustRegister(GossipsDuplicate)
        prometheus.MustRegister(GossipsDelivered)
        prometheus.MustRegister(GossipRounds)
        prometheus.MustRegister(GossipSends)
        prometheus.MustRegister(GossipTableSize)
        prometheus.MustRegister(GossipPending)
        // channels
        prometheus.MustRegister(ChannelDials)
        prometheus.MustRegister(ChannelReuse)
        prometheus.MustRegister(ChannelEvictions)
        prometheus.MustRegister(ChannelsActive)
        prometheus.MustRegister(ChannelTransitions)
    })
}
