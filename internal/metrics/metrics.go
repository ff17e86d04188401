// Package metrics exposes game session lifecycle metrics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agent-racer/gamehost/internal/session"
)

const namespace = "gamehost"

var allStates = []session.State{
	session.WaitingPlayers,
	session.AllPlayersConnected,
	session.Starting,
	session.Started,
	session.Shutdown,
	session.Faulted,
}

// Metrics implements session.Observer.
type Metrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	launches    *prometheus.CounterVec
	rounds      *prometheus.CounterVec
	connections prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current game session state, 0 otherwise",
		}, []string{"state"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Game session state transitions",
		}, []string{"from", "to"}),

		launches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_launches_total",
			Help:      "Game server launch attempts by result",
		}, []string{"result"}),

		rounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_completed_total",
			Help:      "Completed result barriers by result",
		}, []string{"result"}),

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections",
		}),
	}
	for _, s := range allStates {
		m.state.WithLabelValues(s.String()).Set(0)
	}
	m.state.WithLabelValues(session.WaitingPlayers.String()).Set(1)
	return m
}

func (m *Metrics) StateChanged(from, to session.State) {
	m.state.WithLabelValues(from.String()).Set(0)
	m.state.WithLabelValues(to.String()).Set(1)
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) LaunchFinished(err error) {
	m.launches.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RoundCompleted(err error) {
	m.rounds.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ConnectionOpened() { m.connections.Inc() }
func (m *Metrics) ConnectionClosed() { m.connections.Dec() }

// WatchPorts exports the number of leased ports of a pool.
func WatchPorts(reg prometheus.Registerer, pool string, inUse func() int) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "ports_leased",
		Help:        "Ports currently leased from the transport pool",
		ConstLabels: prometheus.Labels{"pool": pool},
	}, func() float64 { return float64(inUse()) })
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
