package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingPayload struct {
	Seq int64
}

func TestNewRawRoundTrip(t *testing.T) {
	m := NewRaw(4)
	m.RawBuffer().WriteAt(0, []byte("ping"))

	assert.True(t, m.IsRaw())
	assert.Equal(t, "ping", string(m.RawBuffer().AsSlice()))
}

func TestCloneMessageIsTypeAndTakePayload(t *testing.T) {
	m := NewClone(pingPayload{Seq: 42})

	assert.True(t, m.IsClone())
	assert.True(t, IsType[pingPayload](m))
	assert.False(t, IsType[int](m))
	assert.Equal(t, pingPayload{Seq: 42}, TakePayload[pingPayload](m))
}

func TestTakePayloadWrongTypePanics(t *testing.T) {
	m := NewClone(pingPayload{Seq: 42})
	assert.Panics(t, func() { TakePayload[int](m) })
}

func TestSyncMessageClaimedOnce(t *testing.T) {
	m := NewSync(pingPayload{Seq: 1})

	fanned := []*Message{m.fanoutClone(), m.fanoutClone(), m.fanoutClone()}

	wins := 0
	for _, f := range fanned {
		if f.tryClaim() {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}

func TestShallowCloneForbiddenForSync(t *testing.T) {
	m := NewSync(pingPayload{Seq: 1})
	assert.Panics(t, func() { m.ShallowClone() })
}

func TestDuplicateOnlyDefinedForRaw(t *testing.T) {
	raw := NewRaw(4)
	assert.NotPanics(t, func() { raw.Duplicate() })

	cl := NewClone(pingPayload{Seq: 1})
	assert.Panics(t, func() { cl.Duplicate() })
}

func TestRawDuplicateDoesNotShareBytes(t *testing.T) {
	m := NewRaw(4)
	m.RawBuffer().WriteAt(0, []byte("abcd"))

	dup := m.Duplicate()
	dup.RawBuffer().WriteAt(0, []byte("xxxx"))

	assert.Equal(t, "abcd", string(m.RawBuffer().AsSlice()))
	assert.Equal(t, "xxxx", string(dup.RawBuffer().AsSlice()))
}

func TestRawShallowCloneSharesBytes(t *testing.T) {
	m := NewRaw(4)
	m.RawBuffer().WriteAt(0, []byte("abcd"))

	c := m.ShallowClone()
	c.RawBuffer().WriteAt(0, []byte("xxxx"))

	assert.Equal(t, "xxxx", string(m.RawBuffer().AsSlice()))
}
