// Package metrics holds the Prometheus collectors for ceremony outcomes, guard
// decisions and challenge housekeeping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "keygate"

const (
	CeremonyRegistration   = "registration"
	CeremonyAuthentication = "authentication"

	OutcomeSuccess          = "success"
	OutcomeInvalidChallenge = "invalid_challenge"
	OutcomeVerification     = "verification_failed"
	OutcomeReplay           = "replay_detected"
	OutcomeDuplicate        = "duplicate"
	OutcomeNoCredentials    = "no_credentials"
	OutcomeNotFound         = "not_found"
	OutcomeError            = "error"

	DecisionAllow     = "allow"
	DecisionSignIn    = "sign_in"
	DecisionForbidden = "forbidden"
	DecisionStepUp    = "step_up"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	CeremoniesTotal       *prometheus.CounterVec
	GuardDecisionsTotal   *prometheus.CounterVec
	ChallengesPurgedTotal prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		CeremoniesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "ceremonies_total",
				Help:      "WebAuthn ceremony completions by ceremony and outcome",
			},
			[]string{"ceremony", "outcome"},
		),
		GuardDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "guard_decisions_total",
				Help:      "Admin route guard decisions",
			},
			[]string{"decision"},
		),
		ChallengesPurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "challenges_purged_total",
			Help:      "Expired challenges removed by the sweeper",
		}),
	}

	m.Registry.MustRegister(
		m.CeremoniesTotal,
		m.GuardDecisionsTotal,
		m.ChallengesPurgedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// The recorders tolerate a nil receiver so callers can run without metrics.

func (m *Metrics) Ceremony(ceremony, outcome string) {
	if m == nil {
		return
	}
	m.CeremoniesTotal.WithLabelValues(ceremony, outcome).Inc()
}

func (m *Metrics) GuardDecision(decision string) {
	if m == nil {
		return
	}
	m.GuardDecisionsTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) ChallengesPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ChallengesPurgedTotal.Add(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
