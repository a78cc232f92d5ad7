// Package metrics exposes node health as Prometheus gauges/counters and a
// structured logrus event stream tracking graph/store/wire state.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Snapshot captures node health at one instant.
type Snapshot struct {
	SoulCount      int   `json:"soul_count"`
	PeerCount      int   `json:"peer_count"`
	QueueDepth     int   `json:"queue_depth"`
	DeferredCount  int   `json:"deferred_count"`
	DupTracked     int   `json:"dup_tracked"`
	MemAlloc       uint64 `json:"mem_alloc"`
	NumGoroutines  int   `json:"goroutines"`
	Timestamp      int64 `json:"timestamp"`
}

// Sources is the set of collaborators Reporter polls for a Snapshot. Any
// field may be nil; nil sources report as zero.
type Sources struct {
	SoulCount     func() int
	PeerCount     func() int
	QueueDepth    func() int
	DeferredCount func() int
	DupTracked    func() int
}

// Reporter bridges node state into Prometheus gauges and a JSON-formatted
// logrus sink.
type Reporter struct {
	sources Sources
	log     *logrus.Logger

	mu sync.Mutex

	registry        *prometheus.Registry
	soulGauge       prometheus.Gauge
	peerGauge       prometheus.Gauge
	queueGauge      prometheus.Gauge
	deferredGauge   prometheus.Gauge
	dupGauge        prometheus.Gauge
	memAllocGauge   prometheus.Gauge
	goroutinesGauge prometheus.Gauge
	errorCounter    prometheus.Counter
}

// New builds a Reporter. log may be nil, in which case a standard logrus
// logger with JSON formatting is created.
func New(sources Sources, log *logrus.Logger) *Reporter {
	if log == nil {
		log = logrus.New()
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	reg := prometheus.NewRegistry()
	r := &Reporter{sources: sources, log: log, registry: reg}

	r.soulGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_soul_count",
		Help: "Number of souls currently held in the in-memory graph",
	})
	r.peerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_peer_count",
		Help: "Number of peers in the finger table",
	})
	r.queueGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_outbound_queue_depth",
		Help: "Number of frames waiting to be paced out over the wire",
	})
	r.deferredGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_deferred_field_count",
		Help: "Number of souls with field writes currently deferred for future-dated states",
	})
	r.dupGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_dup_tracked",
		Help: "Number of message ids currently tracked for deduplication",
	})
	r.memAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_mem_alloc_bytes",
		Help: "Current memory allocation in bytes",
	})
	r.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_goroutines",
		Help: "Number of running goroutines",
	})
	r.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_log_errors_total",
		Help: "Total number of error-level events logged",
	})

	reg.MustRegister(
		r.soulGauge,
		r.peerGauge,
		r.queueGauge,
		r.deferredGauge,
		r.dupGauge,
		r.memAllocGauge,
		r.goroutinesGauge,
		r.errorCounter,
	)
	return r
}

// LogEvent records an arbitrary message at the given level, bumping the
// error counter for Error level and above.
func (r *Reporter) LogEvent(level logrus.Level, msg string, fields logrus.Fields) {
	r.mu.Lock()
	if level <= logrus.ErrorLevel {
		r.errorCounter.Inc()
	}
	r.mu.Unlock()
	r.log.WithFields(fields).Log(level, msg)
}

func callOrZero(fn func() int) int {
	if fn == nil {
		return 0
	}
	return fn()
}

// Collect gathers a Snapshot from Sources and runtime stats.
func (r *Reporter) Collect() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Snapshot{
		SoulCount:     callOrZero(r.sources.SoulCount),
		PeerCount:     callOrZero(r.sources.PeerCount),
		QueueDepth:    callOrZero(r.sources.QueueDepth),
		DeferredCount: callOrZero(r.sources.DeferredCount),
		DupTracked:    callOrZero(r.sources.DupTracked),
		MemAlloc:      mem.Alloc,
		NumGoroutines: runtime.NumGoroutine(),
		Timestamp:     time.Now().Unix(),
	}
}

// Record captures a Snapshot and pushes it into the Prometheus gauges.
func (r *Reporter) Record() {
	s := r.Collect()
	r.soulGauge.Set(float64(s.SoulCount))
	r.peerGauge.Set(float64(s.PeerCount))
	r.queueGauge.Set(float64(s.QueueDepth))
	r.deferredGauge.Set(float64(s.DeferredCount))
	r.dupGauge.Set(float64(s.DupTracked))
	r.memAllocGauge.Set(float64(s.MemAlloc))
	r.goroutinesGauge.Set(float64(s.NumGoroutines))
}

// Run records a snapshot every interval until ctx is canceled.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Record()
		case <-ctx.Done():
			return
		}
	}
}

// StartServer exposes /metrics and /healthz on addr and returns the
// http.Server for lifecycle management.
func (r *Reporter) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.LogEvent(logrus.ErrorLevel, err.Error(), nil)
		}
	}()
	return srv
}
