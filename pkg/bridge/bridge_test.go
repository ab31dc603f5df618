package bridge

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshfabric/internal/metrics"
	"meshfabric/internal/resourceguard"
	"meshfabric/pkg/mesh"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestBridgeRawRoundTrip(t *testing.T) {
	log := zerolog.Nop()

	serverNet := mesh.NewNet(234)
	defer serverNet.Close()
	clientNet := mesh.NewNet(875)
	defer clientNet.Close()

	listener, err := Listen(serverNet, "127.0.0.1:0", log, nil, nil)
	require.NoError(t, err)
	defer listener.Terminate()

	connector := Connect(clientNet, listener.Addr(), log, nil, nil)
	defer connector.Terminate()

	waitFor(t, 2*time.Second, func() bool {
		return listener.Connected() && connector.Connected() && connector.ClientCount() >= 1
	})

	receiver := clientNet.NewEndpoint()

	m := mesh.NewRawFromBytes([]byte{0x12, 0x34, 0x56, 0x78})
	m.SrcNet = 234
	m.DstNet = 875
	m.DstEndpoint = mesh.Any
	serverNet.Send(m)

	got, err := receiver.RecvOrBlock(2 * time.Second)
	require.NoError(t, err)
	assert.True(t, got.IsRaw())
	assert.Equal(t, []byte{0x12, 0x34, 0x56, 0x78}, got.RawBuffer().AsSlice())
	assert.EqualValues(t, 234, got.SrcNet)
	assert.EqualValues(t, 875, got.DstNet)
}

func TestBridgeSyncIsNotForwarded(t *testing.T) {
	log := zerolog.Nop()

	serverNet := mesh.NewNet(10)
	defer serverNet.Close()
	clientNet := mesh.NewNet(11)
	defer clientNet.Close()

	listener, err := Listen(serverNet, "127.0.0.1:0", log, nil, nil)
	require.NoError(t, err)
	defer listener.Terminate()

	connector := Connect(clientNet, listener.Addr(), log, nil, nil)
	defer connector.Terminate()

	waitFor(t, 2*time.Second, func() bool {
		return listener.Connected() && connector.Connected()
	})

	receiver := clientNet.NewEndpoint()

	m := mesh.NewSync(uint64(1))
	m.DstNet = 11
	m.DstEndpoint = mesh.Any
	serverNet.Send(m)

	_, err = receiver.RecvOrBlock(200 * time.Millisecond)
	assert.ErrorIs(t, err, mesh.ErrTimedOut)
}

func TestBridgeTerminateStopsNewConnections(t *testing.T) {
	log := zerolog.Nop()

	serverNet := mesh.NewNet(1)
	defer serverNet.Close()

	listener, err := Listen(serverNet, "127.0.0.1:0", log, nil, nil)
	require.NoError(t, err)

	addr := listener.Addr()
	listener.Terminate()

	time.Sleep(50 * time.Millisecond)

	clientNet := mesh.NewNet(2)
	defer clientNet.Close()
	connector := Connect(clientNet, addr, log, nil, nil)
	defer connector.Terminate()

	time.Sleep(200 * time.Millisecond)
	assert.False(t, connector.Connected())
}

func TestBridgeListenerReleasesEndpointOnDisconnect(t *testing.T) {
	log := zerolog.Nop()

	serverNet := mesh.NewNet(501)
	defer serverNet.Close()
	clientNet := mesh.NewNet(502)
	defer clientNet.Close()

	listener, err := Listen(serverNet, "127.0.0.1:0", log, nil, nil)
	require.NoError(t, err)
	defer listener.Terminate()

	connector := Connect(clientNet, listener.Addr(), log, nil, nil)

	waitFor(t, 2*time.Second, func() bool {
		return listener.Connected() && connector.Connected()
	})
	assert.Equal(t, 1, serverNet.EndpointCount())

	connector.Terminate()

	waitFor(t, 2*time.Second, func() bool {
		return serverNet.EndpointCount() == 0
	})
}

func TestBridgeMetricsCountFrames(t *testing.T) {
	log := zerolog.Nop()
	met := metrics.NewRegistry()

	serverNet := mesh.NewNet(301)
	defer serverNet.Close()
	clientNet := mesh.NewNet(302)
	defer clientNet.Close()

	listener, err := Listen(serverNet, "127.0.0.1:0", log, met, nil)
	require.NoError(t, err)
	defer listener.Terminate()

	connector := Connect(clientNet, listener.Addr(), log, met, nil)
	defer connector.Terminate()

	waitFor(t, 2*time.Second, func() bool {
		return listener.Connected() && connector.Connected()
	})

	receiver := clientNet.NewEndpoint()

	m := mesh.NewRawFromBytes([]byte{1, 2, 3})
	m.DstNet = 302
	m.DstEndpoint = mesh.Any
	serverNet.Send(m)

	_, err = receiver.RecvOrBlock(2 * time.Second)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		return testutil.ToFloat64(met.BridgeFramesSent) > 0
	})
	assert.Greater(t, testutil.ToFloat64(met.BridgeFramesReceived), 0.0)
}

func TestBridgeGuardDropsOverRateLimit(t *testing.T) {
	log := zerolog.Nop()
	met := metrics.NewRegistry()
	guard := resourceguard.New(resourceguard.Config{
		IngestRateRPS: 1,
		IngestBurst:   1,
	}, log, met)

	serverNet := mesh.NewNet(401)
	defer serverNet.Close()
	clientNet := mesh.NewNet(402)
	defer clientNet.Close()

	listener, err := Listen(serverNet, "127.0.0.1:0", log, met, nil)
	require.NoError(t, err)
	defer listener.Terminate()

	// The guard gates the RX side of the handle it is passed; the frames
	// below flow listener -> connector, so the connector carries it.
	connector := Connect(clientNet, listener.Addr(), log, met, guard)
	defer connector.Terminate()

	waitFor(t, 2*time.Second, func() bool {
		return listener.Connected() && connector.Connected()
	})

	receiver := clientNet.NewEndpoint()

	for i := 0; i < 3; i++ {
		m := mesh.NewRawFromBytes([]byte{byte(i)})
		m.DstNet = 402
		m.DstEndpoint = mesh.Any
		serverNet.Send(m)
	}

	_, err = receiver.RecvOrBlock(2 * time.Second)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		return testutil.ToFloat64(met.BridgeFramesDropped) > 0
	})
}
