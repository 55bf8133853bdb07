// Package metrics records bootstrap run metrics in Prometheus form. Runs are
// short-lived batch jobs, so the registry is exported to a node-exporter
// textfile instead of being scraped.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the metrics of one bootstrap run.
type Collector struct {
	registry *prometheus.Registry

	StageDuration   *prometheus.GaugeVec
	StageFailures   *prometheus.CounterVec
	DownloadBytes   prometheus.Counter
	DownloadRetries prometheus.Counter
	ArtifactBytes   prometheus.Gauge
	LastSuccess     prometheus.Gauge
}

// New creates a collector with its own registry. arch is attached to every
// series as a constant label.
func New(arch string) *Collector {
	labels := prometheus.Labels{"arch": arch}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		StageDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   "musltc",
				Name:        "stage_duration_seconds",
				Help:        "Wall time spent in each pipeline stage",
				ConstLabels: labels,
			},
			[]string{"stage"},
		),
		StageFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "musltc",
				Name:        "stage_failures_total",
				Help:        "Pipeline stages that ended in failure, by failure kind",
				ConstLabels: labels,
			},
			[]string{"stage", "kind"},
		),
		DownloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "musltc",
			Name:        "download_bytes_total",
			Help:        "Bytes fetched for source tarballs",
			ConstLabels: labels,
		}),
		DownloadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "musltc",
			Name:        "download_retries_total",
			Help:        "Download attempts retried after a transient failure",
			ConstLabels: labels,
		}),
		ArtifactBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "musltc",
			Name:        "artifact_bytes",
			Help:        "Size of the packaged toolchain archive",
			ConstLabels: labels,
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "musltc",
			Name:        "last_success_timestamp_seconds",
			Help:        "Unix time of the last run that reached Done",
			ConstLabels: labels,
		}),
	}
	c.registry.MustRegister(
		c.StageDuration,
		c.StageFailures,
		c.DownloadBytes,
		c.DownloadRetries,
		c.ArtifactBytes,
		c.LastSuccess,
	)
	return c
}

// ObserveStage records how long a stage took.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.StageDuration.WithLabelValues(stage).Set(d.Seconds())
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// WriteTextfile writes every metric to path in the text exposition format.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}
