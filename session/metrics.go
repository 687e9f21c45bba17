package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pairingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snow_pairing_attempts_total",
		Help: "Pairing attempts claimed, by mode",
	}, []string{"mode"})
	pairingOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snow_pairing_outcomes_total",
		Help: "Pairing attempts finished, by mode and outcome",
	}, []string{"mode", "outcome"})
	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snow_reconnect_attempts_total",
		Help: "Reconnect attempts started after a transient close",
	})
	reconnectExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snow_reconnect_exhausted_total",
		Help: "Sessions that ran out of reconnect attempts",
	})
	credentialSaveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snow_credential_save_failures_total",
		Help: "Credential updates that could not be persisted after retries",
	})
	liveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snow_sessions",
		Help: "Sessions currently held by the registry",
	})
	openSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snow_sessions_open",
		Help: "Sessions with an open connection",
	})
)
