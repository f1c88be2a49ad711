package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mescon/Mediamend/internal/domain"
	"github.com/mescon/Mediamend/internal/logger"
)

// Subscriber is the part of the event bus the metrics service needs.
type Subscriber interface {
	Subscribe(eventType domain.EventType, handler func(domain.Event))
}

// MetricsService exposes Prometheus metrics for Mediamend
type MetricsService struct {
	eventBus Subscriber
	gatherer prometheus.Gatherer

	// Counters
	validationsTotal *prometheus.CounterVec
	filesRemoved     prometheus.Counter
	scansTotal       *prometheus.CounterVec
	repairsTotal     *prometheus.CounterVec
	repairFailures   *prometheus.CounterVec
	sweepsTotal      *prometheus.CounterVec

	// Gauges
	sweepActive   prometheus.Gauge
	sweepProgress prometheus.Gauge

	// Histograms
	scanDuration prometheus.Histogram

	mu          sync.Mutex
	activeSweep string
}

// NewMetricsService creates the metrics and registers them with reg. A nil
// reg uses the process-wide default registry.
func NewMetricsService(eb Subscriber, reg prometheus.Registerer) *MetricsService {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &MetricsService{
		eventBus: eb,
		gatherer: gatherer,

		validationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediamend_validations_total",
				Help: "Total number of file validations by media type and verdict",
			},
			[]string{"media_type", "status"}, // passed, failed
		),

		filesRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mediamend_files_removed_total",
				Help: "Total number of catalog records removed because the file disappeared",
			},
		),

		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediamend_scans_total",
				Help: "Total number of reconciliation scans by outcome",
			},
			[]string{"outcome"}, // completed, failed
		),

		repairsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediamend_repairs_total",
				Help: "Total number of repair attempts by outcome and winning strategy",
			},
			[]string{"outcome", "strategy"}, // success, failed, skipped
		),

		repairFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediamend_repair_failures_total",
				Help: "Total number of failed repairs by failure type",
			},
			[]string{"failure_type"},
		),

		sweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediamend_sweeps_total",
				Help: "Total number of repair sweeps by terminal status",
			},
			[]string{"status"}, // completed, cancelled, error
		),

		sweepActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediamend_sweep_active",
				Help: "1 while a repair sweep is running",
			},
		),

		sweepProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediamend_sweep_progress_percent",
				Help: "Progress of the current repair sweep (0-100)",
			},
		),

		scanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mediamend_scan_duration_seconds",
				Help:    "Duration of reconciliation scans in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5hours
			},
		),
	}

	reg.MustRegister(
		m.validationsTotal,
		m.filesRemoved,
		m.scansTotal,
		m.repairsTotal,
		m.repairFailures,
		m.sweepsTotal,
		m.sweepActive,
		m.sweepProgress,
		m.scanDuration,
	)

	return m
}

// Start subscribes to events and updates metrics
func (m *MetricsService) Start() {
	m.eventBus.Subscribe(domain.FileValidated, m.handleFileValidated)
	m.eventBus.Subscribe(domain.FileRemoved, m.handleFileRemoved)
	m.eventBus.Subscribe(domain.ScanCompleted, m.handleScanCompleted)
	m.eventBus.Subscribe(domain.ScanFailed, m.handleScanFailed)
	m.eventBus.Subscribe(domain.SweepStarted, m.handleSweepStarted)
	m.eventBus.Subscribe(domain.SweepProgress, m.handleSweepProgress)
	m.eventBus.Subscribe(domain.SweepCompleted, m.handleSweepEnded)
	m.eventBus.Subscribe(domain.SweepFailed, m.handleSweepEnded)
	m.eventBus.Subscribe(domain.RepairSucceeded, m.handleRepairSucceeded)
	m.eventBus.Subscribe(domain.RepairFailed, m.handleRepairFailed)
	m.eventBus.Subscribe(domain.RepairSkipped, m.handleRepairSkipped)

	logger.Infof("Metrics service started")
}

// Handler returns the Prometheus HTTP handler for /metrics endpoint
func (m *MetricsService) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Event handlers

func (m *MetricsService) handleFileValidated(event domain.Event) {
	data, ok := event.ParseFileValidatedEventData()
	if !ok {
		return
	}
	mediaType := data.MediaType
	if mediaType == "" {
		mediaType = "unknown"
	}
	m.validationsTotal.WithLabelValues(mediaType, data.Status).Inc()
}

func (m *MetricsService) handleFileRemoved(event domain.Event) {
	m.filesRemoved.Inc()
}

func (m *MetricsService) handleScanCompleted(event domain.Event) {
	m.scansTotal.WithLabelValues("completed").Inc()
	if d, ok := event.GetFloat64("duration"); ok {
		m.scanDuration.Observe(d)
	}
}

func (m *MetricsService) handleScanFailed(event domain.Event) {
	m.scansTotal.WithLabelValues("failed").Inc()
}

func (m *MetricsService) handleSweepStarted(event domain.Event) {
	m.mu.Lock()
	m.activeSweep = event.AggregateID
	m.mu.Unlock()
	m.sweepActive.Set(1)
	m.sweepProgress.Set(0)
}

func (m *MetricsService) handleSweepProgress(event domain.Event) {
	m.mu.Lock()
	current := m.activeSweep
	m.mu.Unlock()
	if current != "" && current != event.AggregateID {
		return
	}
	completed, _ := event.GetFloat64("completed")
	total, _ := event.GetFloat64("total")
	if total > 0 {
		m.sweepProgress.Set(completed / total * 100)
	}
}

func (m *MetricsService) handleSweepEnded(event domain.Event) {
	status := event.GetStringOr("status", string(domain.SweepStatusError))
	m.sweepsTotal.WithLabelValues(status).Inc()

	m.mu.Lock()
	m.activeSweep = ""
	m.mu.Unlock()
	m.sweepActive.Set(0)
	if status == string(domain.SweepStatusCompleted) {
		m.sweepProgress.Set(100)
	}
}

func (m *MetricsService) handleRepairSucceeded(event domain.Event) {
	m.repairsTotal.WithLabelValues("success", event.GetStringOr("strategy", "unknown")).Inc()
}

func (m *MetricsService) handleRepairFailed(event domain.Event) {
	m.repairsTotal.WithLabelValues("failed", "").Inc()
	m.repairFailures.WithLabelValues(event.GetStringOr("failure_type", "unknown")).Inc()
}

func (m *MetricsService) handleRepairSkipped(event domain.Event) {
	m.repairsTotal.WithLabelValues("skipped", "").Inc()
}
