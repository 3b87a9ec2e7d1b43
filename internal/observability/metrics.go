package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the encryption engine.
type Metrics struct {
	// Key lifecycle metrics
	KeyUploadCyclesTotal  *prometheus.CounterVec
	OneTimeKeysGenerated  prometheus.Counter
	OneTimeKeysOnServer   prometheus.Gauge
	KeyUploadDuration     prometheus.Histogram

	// Device directory metrics
	DeviceDownloadsTotal  *prometheus.CounterVec
	DevicesValidatedTotal *prometheus.CounterVec
	TrustChangesTotal     *prometheus.CounterVec

	// Session metrics
	SessionsEstablishedTotal prometheus.Counter
	OneTimeKeyClaimsTotal    *prometheus.CounterVec

	// Room crypto metrics
	EncryptionsTotal       *prometheus.CounterVec
	DecryptionsTotal       *prometheus.CounterVec
	AlgorithmBindingsTotal *prometheus.CounterVec

	// Announcement metrics
	AnnouncementsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		KeyUploadCyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_key_upload_cycles_total",
				Help: "Key upload cycles run",
			},
			[]string{"result"},
		),

		OneTimeKeysGenerated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "e2ee_one_time_keys_generated_total",
				Help: "One-time keys generated and published",
			},
		),

		OneTimeKeysOnServer: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "e2ee_one_time_keys_on_server",
				Help: "Unclaimed one-time keys held server-side at last upload",
			},
		),

		KeyUploadDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "e2ee_key_upload_duration_seconds",
				Help:    "Key upload cycle latency",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		),

		DeviceDownloadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_device_downloads_total",
				Help: "Device key download batches",
			},
			[]string{"result"},
		),

		DevicesValidatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_devices_validated_total",
				Help: "Downloaded device records checked",
			},
			[]string{"result"},
		),

		TrustChangesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_trust_changes_total",
				Help: "Device trust-state updates",
			},
			[]string{"state"},
		),

		SessionsEstablishedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "e2ee_sessions_established_total",
				Help: "New outbound sessions created",
			},
		),

		OneTimeKeyClaimsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_one_time_key_claims_total",
				Help: "Claimed one-time keys processed",
			},
			[]string{"result"},
		),

		EncryptionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_encryptions_total",
				Help: "Outbound event encryptions",
			},
			[]string{"result"},
		),

		DecryptionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_decryptions_total",
				Help: "Inbound event decryptions",
			},
			[]string{"result"},
		),

		AlgorithmBindingsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_algorithm_bindings_total",
				Help: "Room algorithm binding attempts",
			},
			[]string{"result"},
		),

		AnnouncementsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_announcements_total",
				Help: "Device-presence announcements",
			},
			[]string{"result"},
		),
	}

	return m
}

// RecordKeyUpload records completion of one key upload cycle.
func (m *Metrics) RecordKeyUpload(success bool, generated, serverCount int, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.KeyUploadCyclesTotal.WithLabelValues(result).Inc()
	if success {
		m.OneTimeKeysGenerated.Add(float64(generated))
		m.OneTimeKeysOnServer.Set(float64(serverCount))
		m.KeyUploadDuration.Observe(durationSeconds)
	}
}

// RecordDeviceValidation records the outcome of validating one record.
func (m *Metrics) RecordDeviceValidation(accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	m.DevicesValidatedTotal.WithLabelValues(result).Inc()
}

// RecordClaim records the outcome of processing one claimed key.
func (m *Metrics) RecordClaim(ok bool) {
	result := "ok"
	if !ok {
		result = "invalid"
	}
	m.OneTimeKeyClaimsTotal.WithLabelValues(result).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
