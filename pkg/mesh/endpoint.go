package mesh

import (
	"sync"
	"sync/atomic"
	"time"
)

// endpointState is the shared state behind every Endpoint handle cloned
// from the same registration. The Net holds one implicit reference to it
// for as long as the endpoint is registered; Endpoint handles returned to
// callers hold the rest. Unlike the reference implementation's Arc<Endpoint>
// graph, this back-reference to Net is a plain pointer: Go's collector
// reclaims reference cycles on its own, so the only thing refcnt still
// needs to track is "has the last caller-owned handle gone away", which
// drives exactly-once removal from the net.
type endpointState struct {
	net *Net

	mu    sync.Mutex
	sid   Id
	eid   Id
	gid   Id
	queue *queue

	limitPending int64 // atomic; 0 = unlimited
	limitMemory  int64 // atomic; 0 = unlimited
	memoryUsed   int64 // atomic

	refcnt  int32 // atomic
	dropped int32 // atomic bool, CAS-guarded one-shot

	notifyMu sync.Mutex
	notify   chan struct{}

	wakeupAt     time.Time
	sleeperCount int32 // atomic
}

// Endpoint is a mailbox attached to a Net. Messages addressed to it are
// queued by Give and consumed by Recv/RecvOrBlock/RecvBlocking.
type Endpoint struct {
	s *endpointState
}

func newEndpointState(n *Net, sid, eid Id) *endpointState {
	return &endpointState{
		net:    n,
		sid:    sid,
		eid:    eid,
		queue:  newQueue(),
		refcnt: 2, // one for the handle returned to the caller, one implicit for Net's registry
		notify: make(chan struct{}),
	}
}

// Sid returns the net id this endpoint is registered under.
func (e *Endpoint) Sid() Id { e.s.mu.Lock(); defer e.s.mu.Unlock(); return e.s.sid }

// Eid returns this endpoint's id.
func (e *Endpoint) Eid() Id { e.s.mu.Lock(); defer e.s.mu.Unlock(); return e.s.eid }

// Gid returns this endpoint's group id, or Any if it has none.
func (e *Endpoint) Gid() Id { e.s.mu.Lock(); defer e.s.mu.Unlock(); return e.s.gid }

// SetGid assigns this endpoint to a group. Messages whose DstEndpoint
// matches the group id are delivered to every endpoint in the group.
func (e *Endpoint) SetGid(gid Id) {
	e.s.mu.Lock()
	e.s.gid = gid
	e.s.mu.Unlock()
}

// SetSid reassigns the net id this endpoint answers to. A TCP bridge
// connection uses this to bind its local endpoint to the peer's sid once
// the handshake completes.
func (e *Endpoint) SetSid(sid Id) {
	e.s.mu.Lock()
	e.s.sid = sid
	e.s.mu.Unlock()
}

// SetEid reassigns this endpoint's id.
func (e *Endpoint) SetEid(eid Id) {
	e.s.mu.Lock()
	e.s.eid = eid
	e.s.mu.Unlock()
}

// SetLimitPending caps how many messages may sit in this endpoint's queue
// at once; Give rejects messages once the cap is reached. 0 means
// unlimited.
func (e *Endpoint) SetLimitPending(limit int64) {
	atomic.StoreInt64(&e.s.limitPending, limit)
}

// LimitPending returns the current pending-message cap.
func (e *Endpoint) LimitPending() int64 { return atomic.LoadInt64(&e.s.limitPending) }

// SetLimitMemory caps the total payload capacity this endpoint may hold
// queued at once; Give rejects a message whose capacity would take the
// queued total past the cap. 0 means unlimited.
func (e *Endpoint) SetLimitMemory(limit int64) {
	atomic.StoreInt64(&e.s.limitMemory, limit)
}

// LimitMemory returns the current memory cap.
func (e *Endpoint) LimitMemory() int64 { return atomic.LoadInt64(&e.s.limitMemory) }

// MemoryUsed returns the payload capacity currently queued.
func (e *Endpoint) MemoryUsed() int64 { return atomic.LoadInt64(&e.s.memoryUsed) }

// HasMessages reports whether a non-blocking Recv would currently succeed.
// Advisory only: the answer can be stale the instant it's returned.
func (e *Endpoint) HasMessages() bool { return e.s.queue.len() > 0 }

// RefCount reports the number of live Endpoint handles sharing this
// registration, including the net's own implicit hold. Advisory.
func (e *Endpoint) RefCount() int32 { return atomic.LoadInt32(&e.s.refcnt) }

// PeerCount reports how many endpoints are currently registered on the same
// net as this one, including itself. Advisory.
func (e *Endpoint) PeerCount() int {
	if e.s.net == nil {
		return 0
	}
	return e.s.net.EndpointCount()
}

// SleeperCount reports how many goroutines are currently blocked in a
// receive call on this endpoint. Advisory.
func (e *Endpoint) SleeperCount() int32 { return atomic.LoadInt32(&e.s.sleeperCount) }

// Clone returns a new handle to the same endpoint registration, incrementing
// its refcount. Each handle must eventually be released.
func (e *Endpoint) Clone() *Endpoint {
	atomic.AddInt32(&e.s.refcnt, 1)
	return &Endpoint{s: e.s}
}

// Release decrements the refcount. Once the only remaining reference is the
// net's own implicit hold, the endpoint is removed from the net exactly
// once, even under concurrent Release calls.
func (e *Endpoint) Release() {
	if atomic.AddInt32(&e.s.refcnt, -1) == 1 {
		if atomic.CompareAndSwapInt32(&e.s.dropped, 0, 1) {
			e.s.net.dropEndpoint(e.s)
		}
	}
}

// wake broadcasts to every goroutine currently blocked in a receive call on
// this endpoint.
func (es *endpointState) wake() {
	es.notifyMu.Lock()
	close(es.notify)
	es.notify = make(chan struct{})
	es.notifyMu.Unlock()
}

// deliverable reports whether msg should be accepted by this endpoint, per
// the address predicate: a self-sent message is rejected unless CanLoop, the
// destination net must match (Any = broadcast to every net, LocalNet = only
// this endpoint's own net, otherwise an exact sid match), and the
// destination endpoint must match (Any = any endpoint, otherwise the
// endpoint's own eid or its group id).
func (es *endpointState) deliverable(msg *Message) bool {
	es.mu.Lock()
	sid, eid, gid := es.sid, es.eid, es.gid
	es.mu.Unlock()

	if !msg.CanLoop && msg.SrcNet == sid && msg.SrcEndpoint == eid {
		return false
	}

	switch msg.DstNet {
	case Any:
		// broadcasts to every net
	case LocalNet:
		if es.net == nil || sid != es.net.Sid() {
			return false
		}
	default:
		if msg.DstNet != sid {
			return false
		}
	}

	if msg.DstEndpoint != Any && msg.DstEndpoint != eid && (gid == Any || msg.DstEndpoint != gid) {
		return false
	}

	return true
}

// Give attempts to deliver msg to this endpoint. It returns false, leaving
// msg untouched, if the address predicate rejects it, the pending limit is
// already reached, or msg's capacity would take the queued total past the
// memory limit. On success it enqueues a fan-out clone of msg (sharing
// bytes for Raw, sharing the value for Clone, sharing the claim token for
// Sync) and wakes every blocked receiver.
func (e *Endpoint) Give(msg *Message) bool {
	es := e.s
	if !es.deliverable(msg) {
		return false
	}

	if limit := atomic.LoadInt64(&es.limitPending); limit > 0 && int64(es.queue.len()) >= limit {
		return false
	}
	if limit := atomic.LoadInt64(&es.limitMemory); limit > 0 {
		if used := atomic.LoadInt64(&es.memoryUsed); used >= limit || used+int64(msg.Cap()) > limit {
			return false
		}
	}

	clone := msg.fanoutClone()
	es.queue.put(clone)
	atomic.AddInt64(&es.memoryUsed, int64(msg.Cap()))
	es.wake()
	return true
}

// recvOne pops a single deliverable message from the queue, discarding any
// Sync messages this endpoint loses the claim race for and continuing to
// the next.
func (es *endpointState) recvOne() (*Message, bool) {
	for {
		m, ok := es.queue.tryGet()
		if !ok {
			return nil, false
		}
		atomic.AddInt64(&es.memoryUsed, -int64(m.Cap()))
		if !m.tryClaim() {
			continue
		}
		return m, true
	}
}

// Recv performs a non-blocking receive.
func (e *Endpoint) Recv() (*Message, error) {
	if m, ok := e.s.recvOne(); ok {
		return m, nil
	}
	return nil, ErrNoMessages
}

// RecvOrBlock blocks until a message is deliverable or d elapses, whichever
// comes first.
func (e *Endpoint) RecvOrBlock(d time.Duration) (*Message, error) {
	return e.s.recvDeadline(time.Now().Add(d))
}

// RecvBlocking blocks indefinitely until a message is deliverable.
func (e *Endpoint) RecvBlocking() (*Message, error) {
	return e.s.recvDeadline(time.Time{})
}

func (es *endpointState) recvDeadline(deadline time.Time) (*Message, error) {
	for {
		if m, ok := es.recvOne(); ok {
			return m, nil
		}

		es.notifyMu.Lock()
		ch := es.notify
		es.notifyMu.Unlock()

		if !deadline.IsZero() {
			es.mu.Lock()
			if es.wakeupAt.IsZero() || deadline.Before(es.wakeupAt) {
				es.wakeupAt = deadline
			}
			es.mu.Unlock()
		}

		atomic.AddInt32(&es.sleeperCount, 1)
		if deadline.IsZero() {
			<-ch
			atomic.AddInt32(&es.sleeperCount, -1)
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			atomic.AddInt32(&es.sleeperCount, -1)
			return nil, ErrTimedOut
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
			atomic.AddInt32(&es.sleeperCount, -1)
		case <-timer.C:
			atomic.AddInt32(&es.sleeperCount, -1)
			return nil, ErrTimedOut
		}
	}
}

// Send addresses msg to this endpoint's own net (LocalNet, any endpoint)
// and submits it for routing.
func (e *Endpoint) Send(msg *Message) int {
	return e.SendAs(msg, LocalNet, Any)
}

// SendAs stamps msg's source address as this endpoint and routes it to the
// given destination before submitting it to the net.
func (e *Endpoint) SendAs(msg *Message, dstNet, dstEndpoint Id) int {
	sid, eid := e.Sid(), e.Eid()
	msg.SrcNet = sid
	msg.SrcEndpoint = eid
	msg.DstNet = dstNet
	msg.DstEndpoint = dstEndpoint
	return e.s.net.Send(msg)
}

// SendClone wraps t in a Clone message and sends it to (LocalNet, Any): any
// endpoint on this endpoint's own net.
func SendClone[T any](e *Endpoint, t T) int {
	return e.SendAs(NewClone(t), LocalNet, Any)
}

// SendSync wraps t in a Sync message and sends it to (LocalNet, Any): any
// endpoint on this endpoint's own net, of which at most one wins the claim.
func SendSync[T any](e *Endpoint, t T) int {
	return e.SendAs(NewSync(t), LocalNet, Any)
}
