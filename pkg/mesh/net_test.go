package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetEndpointIDsMonotonicFromFirstAuto(t *testing.T) {
	n := NewNet(1)
	defer n.Close()

	a := n.NewEndpoint()
	b := n.NewEndpoint()

	assert.Equal(t, Id(firstAutoEndpointID), a.Eid())
	assert.Equal(t, Id(firstAutoEndpointID)+1, b.Eid())
}

func TestNetExplicitIDAdvancesAutoAllocator(t *testing.T) {
	n := NewNet(1)
	defer n.Close()

	explicit := n.NewEndpointWithID(Id(0x20000))
	next := n.NewEndpoint()

	assert.Equal(t, Id(0x20000), explicit.Eid())
	assert.Equal(t, Id(0x20001), next.Eid())
}

func TestNetBroadcastCloneExcludesSender(t *testing.T) {
	n := NewNet(234)
	defer n.Close()

	sender := n.NewEndpoint()
	others := []*Endpoint{n.NewEndpoint(), n.NewEndpoint(), n.NewEndpoint()}

	msg := NewClone(uint32(0x12345678))
	accepted := sender.SendAs(msg, Any, Any)

	assert.Equal(t, 3, accepted)
	for _, ep := range others {
		m, err := ep.Recv()
		require.NoError(t, err)
		assert.Equal(t, uint32(0x12345678), TakePayload[uint32](m))
	}
	_, err := sender.Recv()
	assert.ErrorIs(t, err, ErrNoMessages)
}

func TestNetRawBufferIsolationAfterSend(t *testing.T) {
	n := NewNet(1)
	defer n.Close()

	sender := n.NewEndpoint()
	receiver := n.NewEndpoint()

	original := NewRaw(4)
	original.RawBuffer().WriteAt(0, []byte("abcd"))
	sender.SendAs(original, LocalNet, Any)

	// Mutate the sender's own buffer after the send returns.
	original.RawBuffer().WriteAt(0, []byte("ZZZZ"))

	m, err := receiver.Recv()
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(m.RawBuffer().AsSlice()))
}

func TestNetFanoutWithPendingCap(t *testing.T) {
	n := NewNet(1)
	defer n.Close()

	sender := n.NewEndpoint()
	x := n.NewEndpoint()
	x.SetLimitPending(1)

	var accepted []int
	for i := 0; i < 3; i++ {
		m := NewRaw(1)
		accepted = append(accepted, sender.SendAs(m, LocalNet, Any))
		assert.LessOrEqual(t, x.s.queue.len(), 1)
	}

	assert.Equal(t, []int{1, 0, 0}, accepted)
}

func TestNetAddressRoutingMatchesPredicate(t *testing.T) {
	n := NewNet(5)
	defer n.Close()

	unicastTarget := n.NewEndpoint()
	_ = n.NewEndpoint() // not addressed

	msg := NewRaw(1)
	accepted := n.Send(&Message{
		Header: Header{DstNet: LocalNet, DstEndpoint: unicastTarget.Eid()},
		kind:   msg.kind,
		raw:    msg.raw,
	})

	assert.Equal(t, 1, accepted)
	_, err := unicastTarget.Recv()
	assert.NoError(t, err)
}

func TestNetDropEndpointIdempotent(t *testing.T) {
	n := NewNet(1)
	defer n.Close()
	a := n.NewEndpoint()

	require.Equal(t, 1, n.EndpointCount())
	a.Release()
	assert.Equal(t, 0, n.EndpointCount())

	// A second removal of an already-dropped state must not panic or
	// double-remove.
	assert.NotPanics(t, func() { n.dropEndpoint(a.s) })
}

func TestNetStatsTracksAcceptedAndRejected(t *testing.T) {
	n := NewNet(7)
	defer n.Close()

	target := n.NewEndpoint()
	_ = n.NewEndpoint() // not addressed by the unicast send below

	m := NewRaw(1)
	m.DstNet = LocalNet
	m.DstEndpoint = target.Eid()
	n.Send(m)

	accepted, rejected, endpoints := n.Stats()
	assert.Equal(t, uint64(1), accepted)
	assert.Equal(t, uint64(1), rejected)
	require.Len(t, endpoints, 2)

	var sawTarget bool
	for _, es := range endpoints {
		if es.Eid == target.Eid() {
			sawTarget = true
			assert.Equal(t, 1, es.QueueLen)
		}
	}
	assert.True(t, sawTarget)
}

func TestNetSendSnapshotExcludesLateRegistrations(t *testing.T) {
	n := NewNet(1)
	defer n.Close()

	var late *Endpoint
	var wg sync.WaitGroup
	wg.Add(1)

	msg := NewRaw(1)
	msg.DstNet = LocalNet
	msg.DstEndpoint = Any

	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		late = n.NewEndpoint()
	}()

	n.Send(msg)
	wg.Wait()

	_, err := late.Recv()
	assert.ErrorIs(t, err, ErrNoMessages)
}
