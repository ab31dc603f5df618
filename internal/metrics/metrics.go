// Package metrics exposes meshd's Prometheus collectors.
package metrics

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meshfabric/pkg/mesh"
)

// Registry wraps the Prometheus collectors meshd updates as it routes
// messages and bridges connections. It carries its own *prometheus.Registry
// rather than registering into the global default, so more than one net can
// run in a single process (tests spin up several) without collector name
// collisions.
type Registry struct {
	reg *prometheus.Registry

	EndpointsRegistered prometheus.Gauge
	MessagesAccepted    prometheus.Counter
	MessagesRejected    prometheus.Counter

	QueueDepth  *prometheus.GaugeVec
	QueueMemory *prometheus.GaugeVec

	BridgeFramesSent     prometheus.Counter
	BridgeFramesReceived prometheus.Counter
	BridgeFramesDropped  prometheus.Counter
	BridgeReconnects     prometheus.Counter
}

// NewRegistry builds and registers a fresh set of collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,

		EndpointsRegistered: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "meshfabric_endpoints_registered",
			Help: "Number of endpoints currently registered on the net",
		}),
		MessagesAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "meshfabric_messages_accepted_total",
			Help: "Total number of endpoint acceptances across all Net.Send calls",
		}),
		MessagesRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "meshfabric_messages_rejected_total",
			Help: "Total number of endpoint rejections (address predicate failed or a queue limit was reached) across all Net.Send calls",
		}),
		QueueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshfabric_endpoint_queue_depth",
			Help: "Number of messages currently queued per endpoint",
		}, []string{"eid"}),
		QueueMemory: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshfabric_endpoint_queue_bytes",
			Help: "Payload capacity in bytes queued per endpoint (Raw buffer capacity, or the value size for Clone and Sync)",
		}, []string{"eid"}),
		BridgeFramesSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "meshfabric_bridge_frames_sent_total",
			Help: "Total number of frames written to bridge connections",
		}),
		BridgeFramesReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "meshfabric_bridge_frames_received_total",
			Help: "Total number of frames read from bridge connections",
		}),
		BridgeFramesDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "meshfabric_bridge_frames_dropped_total",
			Help: "Total number of bridge frames dropped, either for carrying a non-Raw payload kind or for exceeding the ingestion rate limit",
		}),
		BridgeReconnects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "meshfabric_bridge_reconnects_total",
			Help: "Total number of connector dial attempts after the first, whether retrying a failed dial or re-dialing after a lost connection",
		}),
	}
	return r
}

// Handler returns an http.Handler serving this registry's collectors in the
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve binds addr and starts an HTTP server exposing Handler at endpoint.
// The bind happens synchronously so a failure (e.g. the port already in
// use) is returned to the caller; once bound, the server is served on a
// background goroutine and runs until the process exits.
func (r *Registry) Serve(addr, endpoint string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(endpoint, r.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		_ = srv.Serve(ln)
	}()
	return nil
}

// NetCollector periodically samples a Net's Stats and reflects them into a
// Registry, the way a periodic sampler pulls from a server's own counters
// instead of every hot-path call writing straight to a collector.
type NetCollector struct {
	net      *mesh.Net
	reg      *Registry
	interval time.Duration

	lastAccepted uint64
	lastRejected uint64
}

// NewNetCollector builds a collector that samples net every interval.
func NewNetCollector(net *mesh.Net, reg *Registry, interval time.Duration) *NetCollector {
	return &NetCollector{net: net, reg: reg, interval: interval}
}

// Start runs the sampling loop until ctx is canceled.
func (c *NetCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *NetCollector) collect() {
	accepted, rejected, endpoints := c.net.Stats()

	if d := accepted - c.lastAccepted; d > 0 {
		c.reg.MessagesAccepted.Add(float64(d))
	}
	if d := rejected - c.lastRejected; d > 0 {
		c.reg.MessagesRejected.Add(float64(d))
	}
	c.lastAccepted, c.lastRejected = accepted, rejected

	c.reg.EndpointsRegistered.Set(float64(len(endpoints)))

	c.reg.QueueDepth.Reset()
	c.reg.QueueMemory.Reset()
	for _, es := range endpoints {
		label := strconv.FormatUint(uint64(es.Eid), 10)
		c.reg.QueueDepth.WithLabelValues(label).Set(float64(es.QueueLen))
		c.reg.QueueMemory.WithLabelValues(label).Set(float64(es.MemoryUsed))
	}
}
