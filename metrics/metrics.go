package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meshrelay"

// Envelope outcome labels.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeThrottled = "throttled"
)

// Collector holds the relay's Prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	EnvelopesReceived  *prometheus.CounterVec
	EnvelopesForwarded *prometheus.CounterVec
	EnvelopesSent      *prometheus.CounterVec
	DecryptFallbacks   prometheus.Counter
	PlaintextSends     prometheus.Counter
	StorageErrors      *prometheus.CounterVec
	LinkSendErrors     prometheus.Counter

	ActiveLinks  prometheus.Gauge
	Members      prometheus.Gauge
	KnownKeys    prometheus.Gauge
	SeenMessages prometheus.Gauge
}

// New creates a collector registered on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		EnvelopesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_received_total",
				Help:      "Inbound envelopes by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		EnvelopesForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_forwarded_total",
				Help:      "Envelopes flooded onward to neighbours.",
			},
			[]string{"type"},
		),
		EnvelopesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_sent_total",
				Help:      "Locally originated envelopes.",
			},
			[]string{"type"},
		),
		DecryptFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_fallbacks_total",
			Help:      "Addressed payloads that failed decryption and were kept as plaintext.",
		}),
		PlaintextSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plaintext_unicast_sends_total",
			Help:      "Unicast messages sent in clear because no recipient key was known.",
		}),
		StorageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Failed message store operations.",
			},
			[]string{"operation"},
		),
		LinkSendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_send_errors_total",
			Help:      "Per-link frame write failures.",
		}),
		ActiveLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_links",
			Help:      "Currently connected direct links.",
		}),
		Members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "members",
			Help:      "Live mesh members including the local node.",
		}),
		KnownKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_peer_keys",
			Help:      "Peers with an imported encryption key.",
		}),
		SeenMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "seen_message_ids",
			Help:      "Message ids held by the dedup ledger.",
		}),
	}

	c.registry.MustRegister(
		c.EnvelopesReceived,
		c.EnvelopesForwarded,
		c.EnvelopesSent,
		c.DecryptFallbacks,
		c.PlaintextSends,
		c.StorageErrors,
		c.LinkSendErrors,
		c.ActiveLinks,
		c.Members,
		c.KnownKeys,
		c.SeenMessages,
	)
	return c
}

// Registry returns the registry the collector's metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Received(msgType, outcome string) {
	if c == nil {
		return
	}
	c.EnvelopesReceived.WithLabelValues(msgType, outcome).Inc()
}

func (c *Collector) Forwarded(msgType string) {
	if c == nil {
		return
	}
	c.EnvelopesForwarded.WithLabelValues(msgType).Inc()
}

func (c *Collector) Sent(msgType string) {
	if c == nil {
		return
	}
	c.EnvelopesSent.WithLabelValues(msgType).Inc()
}

func (c *Collector) DecryptFallback() {
	if c == nil {
		return
	}
	c.DecryptFallbacks.Inc()
}

func (c *Collector) PlaintextSend() {
	if c == nil {
		return
	}
	c.PlaintextSends.Inc()
}

func (c *Collector) StorageError(operation string) {
	if c == nil {
		return
	}
	c.StorageErrors.WithLabelValues(operation).Inc()
}

func (c *Collector) LinkSendError() {
	if c == nil {
		return
	}
	c.LinkSendErrors.Inc()
}

func (c *Collector) SetActiveLinks(n int) {
	if c == nil {
		return
	}
	c.ActiveLinks.Set(float64(n))
}

func (c *Collector) SetMembers(n int) {
	if c == nil {
		return
	}
	c.Members.Set(float64(n))
}

func (c *Collector) SetKnownKeys(n int) {
	if c == nil {
		return
	}
	c.KnownKeys.Set(float64(n))
}

func (c *Collector) SetSeen(n int) {
	if c == nil {
		return
	}
	c.SeenMessages.Set(float64(n))
}
