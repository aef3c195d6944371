package envelopefs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Open results recorded by Metrics
const (
	resultCreated     = "created"
	resultVerified    = "verified"
	resultCorrupt     = "corrupt"
	resultUnsupported = "unsupported"
	resultError       = "error"
)

// Metrics holds the prometheus collectors of the envelope adapters
type Metrics struct {
	Opens          *prometheus.CounterVec
	Bytes          *prometheus.CounterVec
	CipherRebuilds prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Opens: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "envelopefs_opens_total",
				Help: "Total number of envelope opens",
			},
			[]string{"layout", "result"}, // buffer/thing/bucket; created, verified, corrupt, unsupported, error
		),
		Bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "envelopefs_bytes_total",
				Help: "Total number of plaintext bytes passed through envelopes",
			},
			[]string{"direction"}, // read, write
		),
		CipherRebuilds: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "envelopefs_cipher_rebuilds_total",
				Help: "Total number of keystream generators rebuilt by a seek",
			},
		),
	}
}

func (m *Metrics) observeOpen(layout string, err error, created bool) {
	if m == nil {
		return
	}
	result := resultVerified
	switch {
	case err == nil && created:
		result = resultCreated
	case err == nil:
	case IsUnsupportedEnvelopeType(err):
		result = resultUnsupported
	case IsCorruptionError(err):
		result = resultCorrupt
	default:
		result = resultError
	}
	m.Opens.WithLabelValues(layout, result).Inc()
}

func (m *Metrics) addBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) rebuildHook() func() {
	if m == nil {
		return nil
	}
	return m.CipherRebuilds.Inc
}
