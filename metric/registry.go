// Package metric manages Prometheus metric registration for the acquisition
// system. A single Registry is shared by the runtime loop, worker pools, and
// the transfer engine; per-service metric names are namespaced to avoid
// collisions between components.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry manages the registration and lifecycle of metrics.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Core               *CoreMetrics
	registered         map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// CoreMetrics holds the always-registered platform metrics.
type CoreMetrics struct {
	RuntimeState       prometheus.Gauge
	RuntimeCycles      prometheus.Counter
	CycleDuration      prometheus.Histogram
	RewardsDelivered   prometheus.Counter
	RewardsSimulated   prometheus.Counter
	HeartbeatRecovery  prometheus.Counter
	BytesTransferred   prometheus.Counter
	TransferFailures   prometheus.Counter
	StacksRecompressed prometheus.Counter
}

// NewRegistry creates a registry with core acquisition metrics plus Go
// runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		prometheusRegistry: prometheus.NewRegistry(),
		registered:         make(map[string]prometheus.Collector),
	}
	r.Core = newCoreMetrics()
	r.prometheusRegistry.MustRegister(
		r.Core.RuntimeState,
		r.Core.RuntimeCycles,
		r.Core.CycleDuration,
		r.Core.RewardsDelivered,
		r.Core.RewardsSimulated,
		r.Core.HeartbeatRecovery,
		r.Core.BytesTransferred,
		r.Core.TransferFailures,
		r.Core.StacksRecompressed,
	)
	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func newCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		RuntimeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mesovr", Name: "runtime_state",
			Help: "Current Mesoscope-VR system state code",
		}),
		RuntimeCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mesovr", Name: "runtime_cycles_total",
			Help: "Total runtime cycle passes",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mesovr", Name: "runtime_cycle_duration_seconds",
			Help:    "Duration of a single runtime cycle pass",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		RewardsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mesovr", Name: "rewards_delivered_total",
			Help: "Water rewards physically dispensed",
		}),
		RewardsSimulated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mesovr", Name: "rewards_simulated_total",
			Help: "Rewards substituted with an audible-only cue",
		}),
		HeartbeatRecovery: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mesovr", Name: "heartbeat_recovery_total",
			Help: "Automatic imaging-device heartbeat recovery attempts",
		}),
		BytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mesovr", Name: "bytes_transferred_total",
			Help: "Bytes copied to long-term storage destinations",
		}),
		TransferFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mesovr", Name: "transfer_failures_total",
			Help: "Transfer or verification failures",
		}),
		StacksRecompressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mesovr", Name: "stacks_recompressed_total",
			Help: "Image stacks recompressed",
		}),
	}
}

// PrometheusRegistry returns the underlying Prometheus registry for scraping.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

func (r *Registry) register(service, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", service, name)
	if _, exists := r.registered[key]; exists {
		return fmt.Errorf("metric %s already registered for service %s", name, service)
	}
	if err := r.prometheusRegistry.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return fmt.Errorf("prometheus conflict for metric %s: %w", name, err)
		}
		return fmt.Errorf("registering metric %s: %w", name, err)
	}
	r.registered[key] = c
	return nil
}

// RegisterCounter registers a counter metric for a service.
func (r *Registry) RegisterCounter(service, name string, counter prometheus.Counter) error {
	return r.register(service, name, counter)
}

// RegisterGauge registers a gauge metric for a service.
func (r *Registry) RegisterGauge(service, name string, gauge prometheus.Gauge) error {
	return r.register(service, name, gauge)
}

// RegisterHistogram registers a histogram metric for a service.
func (r *Registry) RegisterHistogram(service, name string, histogram prometheus.Histogram) error {
	return r.register(service, name, histogram)
}

// Unregister removes a metric from the registry.
func (r *Registry) Unregister(service, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", service, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}
	ok := r.prometheusRegistry.Unregister(c)
	if ok {
		delete(r.registered, key)
	}
	return ok
}
