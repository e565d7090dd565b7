package metrics

import (
	"time"

	"github.com/haatos/simple-cd/internal/pool"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "simplecd"

// Collector implements the observer hooks of the cache, broker, pool and
// services and exposes them as prometheus metrics.
type Collector struct {
	runs             *prometheus.CounterVec
	jobs             *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobRetries       prometheus.Counter
	queued           prometheus.Gauge
	agents           *prometheus.GaugeVec
	provisions       *prometheus.CounterVec
	agentsLost       prometheus.Counter
	credentials      *prometheus.CounterVec
	revocations      prometheus.Counter
	exchangeRejected *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	cacheEvicted     *prometheus.CounterVec
	deployments      *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs finished, by terminal status.",
		}, []string{"status"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Job runs finished, by terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of executed job runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"status"}),
		jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Job run attempts that were retried.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_waiting_for_agent",
			Help:      "Jobs currently waiting to acquire an agent.",
		}),
		agents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Agents in the pool, by state.",
		}, []string{"state"}),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_provisions_total",
			Help:      "Ephemeral agent provisioning attempts, by group and outcome.",
		}, []string{"group", "outcome"}),
		agentsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_lost_total",
			Help:      "Agents that missed their heartbeat.",
		}),
		credentials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_issued_total",
			Help:      "Short-lived credentials issued, by environment.",
		}, []string{"environment"}),
		revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_revoked_total",
			Help:      "Credentials revoked.",
		}),
		exchangeRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_exchanges_rejected_total",
			Help:      "Credential exchanges rejected, by reason.",
		}, []string{"reason"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups, by namespace and result.",
		}, []string{"namespace", "result"}),
		cacheEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evicted_bytes_total",
			Help:      "Bytes evicted from the cache, by namespace.",
		}, []string{"namespace"}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Deployments finished, by environment and terminal status.",
		}, []string{"environment", "status"}),
	}

	reg.MustRegister(
		c.runs,
		c.jobs,
		c.jobDuration,
		c.jobRetries,
		c.queued,
		c.agents,
		c.provisions,
		c.agentsLost,
		c.credentials,
		c.revocations,
		c.exchangeRejected,
		c.cacheLookups,
		c.cacheEvicted,
		c.deployments,
	)
	return c
}

func (c *Collector) RunCompleted(status string) {
	c.runs.WithLabelValues(status).Inc()
}

func (c *Collector) JobCompleted(status string, d time.Duration) {
	c.jobs.WithLabelValues(status).Inc()
	if d > 0 {
		c.jobDuration.WithLabelValues(status).Observe(d.Seconds())
	}
}

func (c *Collector) JobRetried() {
	c.jobRetries.Inc()
}

func (c *Collector) JobWaiting(delta int) {
	c.queued.Add(float64(delta))
}

func (c *Collector) AgentStates(counts map[pool.State]int) {
	for _, s := range []pool.State{
		pool.StateIdle,
		pool.StateBusy,
		pool.StateProvisioning,
		pool.StateDraining,
	} {
		c.agents.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (c *Collector) ProvisionOutcome(group string, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "ready"
	}
	c.provisions.WithLabelValues(group, outcome).Inc()
}

func (c *Collector) AgentLost() {
	c.agentsLost.Inc()
}

func (c *Collector) CredentialIssued(environment string) {
	if environment == "" {
		environment = "none"
	}
	c.credentials.WithLabelValues(environment).Inc()
}

func (c *Collector) CredentialRevoked() {
	c.revocations.Inc()
}

func (c *Collector) ExchangeRejected(reason string) {
	c.exchangeRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) CacheLookup(namespace string, hit, exact bool) {
	result := "miss"
	switch {
	case hit && exact:
		result = "hit"
	case hit:
		result = "restore_key_hit"
	}
	c.cacheLookups.WithLabelValues(namespace, result).Inc()
}

func (c *Collector) CacheEvicted(namespace string, bytes int64) {
	c.cacheEvicted.WithLabelValues(namespace).Add(float64(bytes))
}

func (c *Collector) DeploymentFinished(environment, status string) {
	c.deployments.WithLabelValues(environment, status).Inc()
}
