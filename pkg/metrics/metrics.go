// Package metrics exports the counters of every rsync instance to
// Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sidkik/emsync/pkg/registry"
)

var instanceLabels = []string{"session", "source", "tag"}

// Metrics is a registry.Notifier that keeps Prometheus gauges in step with
// the instances it's told about.
type Metrics struct {
	filesCounted     *prometheus.GaugeVec
	filesTransferred *prometheus.GaugeVec
	bytesTransferred *prometheus.GaugeVec
	filesSkipped     *prometheus.GaugeVec
	transferring     *prometheus.GaugeVec
	paused           *prometheus.GaugeVec
	broken           *prometheus.GaugeVec
	events           *prometheus.CounterVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	gauge := func(name, help string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "emsync",
			Name:      name,
			Help:      help,
		}, instanceLabels)
	}

	return &Metrics{
		filesCounted:     gauge("files_counted", "Files found in the source directory."),
		filesTransferred: gauge("files_transferred", "Files transferred to the destination."),
		bytesTransferred: gauge("bytes_transferred", "Bytes transferred to the destination."),
		filesSkipped:     gauge("files_skipped", "Files that couldn't be transferred."),
		transferring:     gauge("transferring", "Whether rsync is running for the source."),
		paused:           gauge("paused", "Whether the instance has been paused."),
		broken:           gauge("broken", "Whether the instance needs to be restarted."),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emsync",
			Name:      "instance_events_total",
			Help:      "Instance state transitions by type.",
		}, []string{"type"}),
	}
}

// Notify implements registry.Notifier.
func (m *Metrics) Notify(event registry.Event) {
	m.events.WithLabelValues(string(event.Type)).Inc()

	inst := event.Payload
	labels := []string{strconv.FormatInt(inst.SessionID, 10), inst.Source, inst.Tag}
	if event.Type == registry.EventRemoved {
		for _, vec := range m.gauges() {
			vec.DeleteLabelValues(labels...)
		}
		return
	}

	m.filesCounted.WithLabelValues(labels...).Set(float64(inst.FilesCounted))
	m.filesTransferred.WithLabelValues(labels...).Set(float64(inst.FilesTransferred))
	m.bytesTransferred.WithLabelValues(labels...).Set(float64(inst.BytesTransferred))
	m.filesSkipped.WithLabelValues(labels...).Set(float64(inst.FilesSkipped))
	m.transferring.WithLabelValues(labels...).Set(boolValue(inst.Transferring))
	m.paused.WithLabelValues(labels...).Set(boolValue(inst.Paused))
	m.broken.WithLabelValues(labels...).Set(boolValue(inst.Broken))
}

func (m *Metrics) gauges() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		m.filesCounted, m.filesTransferred, m.bytesTransferred,
		m.filesSkipped, m.transferring, m.paused, m.broken,
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
