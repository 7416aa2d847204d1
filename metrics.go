package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	merges      *prometheus.CounterVec
	invocations *prometheus.CounterVec
	transitions *prometheus.CounterVec
	staleLoads  prometheus.Counter
	unread      prometheus.Gauge
}

// Merge outcomes.
const (
	mergeDuplicate = "duplicate"
	mergeConfirmed = "confirmed"
	mergeAppended  = "appended"
)

// NewMetrics creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "message_merges_total",
			Help:      "Incoming messages merged into the open conversation, by outcome.",
		}, []string{"outcome"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "invocations_total",
			Help:      "Hub invocations by method and result.",
		}, []string{"method", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"state"}),
		staleLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stale_loads_total",
			Help:      "Message history responses discarded because a newer load superseded them.",
		}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "unread_messages",
			Help:      "Sum of unread counters across loaded conversations.",
		}),
	}
	for _, c := range []prometheus.Collector{m.merges, m.invocations, m.transitions, m.staleLoads, m.unread} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeMerge(outcome string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeInvoke(method string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.invocations.WithLabelValues(method, result).Inc()
}

func (m *Metrics) observeState(s ConnectionState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) observeStale() {
	if m == nil {
		return
	}
	m.staleLoads.Inc()
}

func (m *Metrics) setUnread(convs []Conversation) {
	if m == nil {
		return
	}
	total := 0
	for _, c := range convs {
		total += c.UnreadCount
	}
	m.unread.Set(float64(total))
}
