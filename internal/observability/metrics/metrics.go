// Package metrics exposes vault, batcher and keeper state in the Prometheus
// exposition format.
package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"PooledVault/internal/batcher"
	"PooledVault/internal/vault"
)

const namespace = "pooledvault"

// Registry owns every collector exported by the service.
type Registry struct {
	reg *prometheus.Registry

	requests    *prometheus.CounterVec
	errors      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	settlements *prometheus.CounterVec
	settleTime  *prometheus.HistogramVec
}

// New builds a registry with the Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "settlements_total",
			Help:      "Batch settlement attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		settleTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "settlement_duration_seconds",
			Help:      "Time spent inside one batch settlement call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.errors,
		r.latency,
		r.settlements,
		r.settleTime,
	)
	return r
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one HTTP request.
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.errors.WithLabelValues(handler, method).Inc()
	}
	r.latency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveSettlement implements keeper.Recorder.
func (r *Registry) ObserveSettlement(kind batcher.Kind, outcome string, elapsed time.Duration) {
	r.settlements.WithLabelValues(string(kind), outcome).Inc()
	r.settleTime.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// Instrument wraps next so every request is counted under handler.
func (r *Registry) Instrument(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, req)
		r.ObserveHTTPRequest(handler, req.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// QueueSource reports the settlement queue backlog.
type QueueSource interface {
	Depth(ctx context.Context) (pending, inflight int64, err error)
}

// RegisterQueue exports pending and in-flight settlement messages. The
// gauges read the queue on every scrape with a short timeout.
func (r *Registry) RegisterQueue(q QueueSource) error {
	if q == nil {
		return errors.New("metrics: queue source is nil")
	}
	depth := func(inflight bool) func() float64 {
		return func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			p, f, err := q.Depth(ctx)
			if err != nil {
				return -1
			}
			if inflight {
				return float64(f)
			}
			return float64(p)
		}
	}
	for _, g := range []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "queue_pending",
			Help:      "Settlement messages waiting in the queue (-1 when unreadable).",
		}, depth(false)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "queue_inflight",
			Help:      "Settlement messages taken but not yet acknowledged.",
		}, depth(true)),
	} {
		if err := r.reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}

// VaultSource is read at scrape time.
type VaultSource interface {
	Snapshot(ctx context.Context) vault.Snapshot
}

// BatcherSource is read at scrape time.
type BatcherSource interface {
	PendingDeposit() *uint256.Int
	PendingWithdrawal() *uint256.Int
	PendingRecipients(kind batcher.Kind) []common.Address
}

// RegisterVault exports vault and batcher gauges. b may be nil.
func (r *Registry) RegisterVault(v VaultSource, b BatcherSource) error {
	if v == nil {
		return errors.New("metrics: vault source is nil")
	}
	return r.reg.Register(newStateCollector(v, b))
}

type stateCollector struct {
	vault   VaultSource
	batcher BatcherSource

	supply       *prometheus.Desc
	idle         *prometheus.Desc
	funds        *prometheus.Desc
	stale        *prometheus.Desc
	emergency    *prometheus.Desc
	executors    *prometheus.Desc
	execValue    *prometheus.Desc
	execFresh    *prometheus.Desc
	pending      *prometheus.Desc
	pendingUsers *prometheus.Desc
}

func newStateCollector(v VaultSource, b BatcherSource) *stateCollector {
	return &stateCollector{
		vault:        v,
		batcher:      b,
		supply:       prometheus.NewDesc(namespace+"_vault_total_supply", "Outstanding vault shares in base units.", nil, nil),
		idle:         prometheus.NewDesc(namespace+"_vault_idle_balance", "Want token held by the vault itself.", nil, nil),
		funds:        prometheus.NewDesc(namespace+"_vault_total_funds", "Idle balance plus executor values; absent while an executor is stale.", nil, nil),
		stale:        prometheus.NewDesc(namespace+"_vault_funds_stale", "1 when total funds cannot be computed.", nil, nil),
		emergency:    prometheus.NewDesc(namespace+"_vault_emergency_mode", "1 while emergency mode is on.", nil, nil),
		executors:    prometheus.NewDesc(namespace+"_vault_executors", "Registered executor count.", nil, nil),
		execValue:    prometheus.NewDesc(namespace+"_executor_value", "Reported executor value in want units.", []string{"executor"}, nil),
		execFresh:    prometheus.NewDesc(namespace+"_executor_fresh", "1 when the executor valuation is fresh.", []string{"executor"}, nil),
		pending:      prometheus.NewDesc(namespace+"_batcher_pending_amount", "Amount waiting in the batcher ledgers.", []string{"kind"}, nil),
		pendingUsers: prometheus.NewDesc(namespace+"_batcher_pending_recipients", "Recipients with a nonzero ledger entry.", []string{"kind"}, nil),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.supply, c.idle, c.funds, c.stale, c.emergency, c.executors, c.execValue, c.execFresh, c.pending, c.pendingUsers} {
		ch <- d
	}
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snap := c.vault.Snapshot(ctx)
	ch <- prometheus.MustNewConstMetric(c.supply, prometheus.GaugeValue, toFloat(snap.SupplyValue))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, toFloat(snap.IdleValue))
	if snap.FundsValue != nil {
		ch <- prometheus.MustNewConstMetric(c.funds, prometheus.GaugeValue, toFloat(snap.FundsValue))
	}
	ch <- prometheus.MustNewConstMetric(c.stale, prometheus.GaugeValue, boolFloat(snap.FundsValue == nil))
	ch <- prometheus.MustNewConstMetric(c.emergency, prometheus.GaugeValue, boolFloat(snap.EmergencyMode))
	ch <- prometheus.MustNewConstMetric(c.executors, prometheus.GaugeValue, float64(len(snap.Executors)))
	for _, e := range snap.Executors {
		label := e.Address.Hex()
		if e.Value != "" {
			if value, err := uint256.FromDecimal(e.Value); err == nil {
				ch <- prometheus.MustNewConstMetric(c.execValue, prometheus.GaugeValue, toFloat(value), label)
			}
		}
		ch <- prometheus.MustNewConstMetric(c.execFresh, prometheus.GaugeValue, boolFloat(e.Fresh), label)
	}

	if c.batcher == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, toFloat(c.batcher.PendingDeposit()), string(batcher.KindDeposit))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, toFloat(c.batcher.PendingWithdrawal()), string(batcher.KindWithdraw))
	for _, kind := range []batcher.Kind{batcher.KindDeposit, batcher.KindWithdraw} {
		ch <- prometheus.MustNewConstMetric(c.pendingUsers, prometheus.GaugeValue, float64(len(c.batcher.PendingRecipients(kind))), string(kind))
	}
}

// toFloat is lossy above 2^53; gauges only need magnitude.
func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
