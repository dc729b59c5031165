package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus is the Recorder backed by a Prometheus registry.
type Prometheus struct {
	loginAttempts     *prometheus.CounterVec
	logoutsStarted    prometheus.Counter
	logoutsCompleted  *prometheus.CounterVec
	logoutHops        *prometheus.CounterVec
	signatureFailures *prometheus.CounterVec
	activeSessions    prometheus.Gauge
}

// NewPrometheus registers the IdP metrics on the given registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		loginAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idp",
			Name:      "login_attempts_total",
			Help:      "Login flow outcomes by result.",
		}, []string{"result"}),
		logoutsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "idp",
			Name:      "logouts_started_total",
			Help:      "Logout sequences accepted.",
		}),
		logoutsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idp",
			Name:      "logouts_completed_total",
			Help:      "Logout sequences finished, by final result.",
		}, []string{"result"}),
		logoutHops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idp",
			Name:      "logout_hops_total",
			Help:      "Outbound logout requests sent, by target entity.",
		}, []string{"target"}),
		signatureFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idp",
			Name:      "signature_failures_total",
			Help:      "Inbound message signature rejections, by binding.",
		}, []string{"binding"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "idp",
			Name:      "active_sessions",
			Help:      "Session records currently live.",
		}),
	}
}

func (p *Prometheus) LoginAttempt(result string) {
	p.loginAttempts.WithLabelValues(result).Inc()
}

func (p *Prometheus) LogoutStarted() {
	p.logoutsStarted.Inc()
}

func (p *Prometheus) LogoutCompleted(result string) {
	p.logoutsCompleted.WithLabelValues(result).Inc()
}

func (p *Prometheus) LogoutHop(target string) {
	p.logoutHops.WithLabelValues(target).Inc()
}

func (p *Prometheus) SignatureFailure(binding string) {
	p.signatureFailures.WithLabelValues(binding).Inc()
}

func (p *Prometheus) SessionCreated() {
	p.activeSessions.Inc()
}

func (p *Prometheus) SessionDeleted() {
	p.activeSessions.Dec()
}
