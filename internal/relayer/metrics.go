package relayer

import "github.com/prometheus/client_golang/prometheus"

// Métricas Prometheus do relayer
var (
	relayAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_attempts_total",
		Help: "Relays por operação e desfecho",
	}, []string{"op", "outcome"})

	relayDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_duration_seconds",
		Help:    "Duração do ciclo completo de relay",
		Buckets: []float64{0.5, 1, 2, 5, 10, 25, 30},
	}, []string{"op"})

	relayerBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_gas_balance",
		Help: "Saldo de gas do hot wallet, pra alerta de saldo baixo",
	})
)

// RegisterMetrics registra as métricas no registry default. Chamar uma vez no main.
func RegisterMetrics() {
	prometheus.MustRegister(relayAttempts, relayDuration, relayerBalance)
}
