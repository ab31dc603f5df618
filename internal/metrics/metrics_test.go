package metrics

import (
	"context"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshfabric/pkg/mesh"
)

func TestRegistryExposesCollectors(t *testing.T) {
	r := NewRegistry()
	r.EndpointsRegistered.Set(3)
	r.MessagesAccepted.Inc()
	r.QueueDepth.WithLabelValues("65536").Set(5)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "meshfabric_endpoints_registered 3")
	assert.Contains(t, body, "meshfabric_messages_accepted_total 1")
	assert.True(t, strings.Contains(body, `meshfabric_endpoint_queue_depth{eid="65536"} 5`))
}

func TestTwoRegistriesDoNotCollide(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	a.MessagesAccepted.Inc()
	b.MessagesAccepted.Add(5)

	reqA := httptest.NewRequest("GET", "/metrics", nil)
	recA := httptest.NewRecorder()
	a.Handler().ServeHTTP(recA, reqA)
	assert.Contains(t, recA.Body.String(), "meshfabric_messages_accepted_total 1")

	reqB := httptest.NewRequest("GET", "/metrics", nil)
	recB := httptest.NewRecorder()
	b.Handler().ServeHTTP(recB, reqB)
	assert.Contains(t, recB.Body.String(), "meshfabric_messages_accepted_total 5")
}

func TestServeReturnsErrorOnBindFailure(t *testing.T) {
	// Hold a listener open on an address, then assert that Serve reports
	// the bind conflict synchronously rather than swallowing it inside a
	// background goroutine.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	r := NewRegistry()
	err = r.Serve(ln.Addr().String(), "/metrics")
	assert.Error(t, err)
}

func TestNetCollectorReflectsSendCounts(t *testing.T) {
	n := mesh.NewNet(9)
	defer n.Close()

	target := n.NewEndpoint()
	reg := NewRegistry()
	c := NewNetCollector(n, reg, time.Hour)

	m := mesh.NewRaw(1)
	m.DstNet = mesh.LocalNet
	m.DstEndpoint = target.Eid()
	n.Send(m)

	c.collect()

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.MessagesAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.EndpointsRegistered))
	label := strconv.FormatUint(uint64(target.Eid()), 10)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.QueueDepth.WithLabelValues(label)))
}

func TestNetCollectorStartStopsOnCancel(t *testing.T) {
	n := mesh.NewNet(10)
	defer n.Close()

	reg := NewRegistry()
	c := NewNetCollector(n, reg, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
}
