package mesh

import (
	"sync"
	"sync/atomic"
	"time"
)

// Net is a registry of endpoints and the router between them. Endpoints
// register and deregister dynamically; Send snapshots the current
// registration under lock and then calls each endpoint's Give outside the
// lock, so a Give that re-enters the net (e.g. from within a message
// handler running synchronously on delivery) can never deadlock against
// Send's own lock.
type Net struct {
	mu        sync.Mutex
	sid       Id
	nextEid   uint64
	endpoints []*endpointState

	totalAccepted uint64 // atomic
	totalRejected uint64 // atomic

	tickStop chan struct{}
	tickDone chan struct{}
}

// EndpointStats is a point-in-time snapshot of one endpoint's queue state,
// for an external metrics collector to sample periodically.
type EndpointStats struct {
	Eid        Id
	QueueLen   int
	MemoryUsed int64
}

// NewNet creates a net identified by sid and starts its adaptive wakeup
// ticker.
func NewNet(sid Id) *Net {
	n := &Net{
		sid:     sid,
		nextEid: uint64(firstAutoEndpointID),
	}
	n.startTicker()
	return n
}

// Sid returns this net's id.
func (n *Net) Sid() Id { return n.sid }

// EndpointCount reports how many endpoints are currently registered.
func (n *Net) EndpointCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.endpoints)
}

// NewEndpoint registers a new endpoint with an automatically assigned id.
func (n *Net) NewEndpoint() *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	eid := Id(n.nextEid)
	n.nextEid++
	return n.registerLocked(eid)
}

// NewEndpointWithID registers a new endpoint with an explicit id. If the id
// is at or past the next auto-assigned id, future automatic allocations
// continue from the id after it.
func (n *Net) NewEndpointWithID(eid Id) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if uint64(eid) >= n.nextEid {
		n.nextEid = uint64(eid) + 1
	}
	return n.registerLocked(eid)
}

func (n *Net) registerLocked(eid Id) *Endpoint {
	es := newEndpointState(n, n.sid, eid)
	n.endpoints = append(n.endpoints, es)
	return &Endpoint{s: es}
}

// NextId allocates and returns the next automatic endpoint id without
// registering an endpoint for it. Used by callers (the bridge) that need a
// fresh, net-unique id for something other than a full endpoint, such as a
// control-message group id.
func (n *Net) NextId() Id {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := Id(n.nextEid)
	n.nextEid++
	return id
}

// dropEndpoint removes an endpoint's state from the registry. It is
// idempotent: called at most meaningfully once per endpoint, guarded by the
// endpoint's own dropped flag, but tolerates being called on an id that's
// already gone.
func (n *Net) dropEndpoint(es *endpointState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, e := range n.endpoints {
		if e == es {
			last := len(n.endpoints) - 1
			n.endpoints[i] = n.endpoints[last]
			n.endpoints[last] = nil
			n.endpoints = n.endpoints[:last]
			return
		}
	}
}

func (n *Net) snapshot() []*endpointState {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make([]*endpointState, len(n.endpoints))
	copy(cp, n.endpoints)
	return cp
}

// Send routes msg to every currently registered endpoint whose address
// predicate accepts it, per msg's existing header. It returns the number of
// endpoints that accepted a copy. Raw messages are duplicated once up front
// so that no accepting endpoint shares bytes with the caller's own buffer;
// Clone and Sync messages are fanned out according to their own sharing
// rules inside Endpoint.Give.
func (n *Net) Send(msg *Message) int {
	if msg.kind == Raw {
		msg = msg.Duplicate()
	}

	accepted := 0
	snap := n.snapshot()
	for _, es := range snap {
		ep := &Endpoint{s: es}
		if ep.Give(msg) {
			accepted++
		}
	}
	rejected := len(snap) - accepted
	atomic.AddUint64(&n.totalAccepted, uint64(accepted))
	atomic.AddUint64(&n.totalRejected, uint64(rejected))
	return accepted
}

// Stats returns the cumulative accepted/rejected endpoint-acceptance counts
// across every Send call so far, plus a per-endpoint queue snapshot.
func (n *Net) Stats() (accepted, rejected uint64, endpoints []EndpointStats) {
	accepted = atomic.LoadUint64(&n.totalAccepted)
	rejected = atomic.LoadUint64(&n.totalRejected)

	for _, es := range n.snapshot() {
		es.mu.Lock()
		eid := es.eid
		es.mu.Unlock()
		endpoints = append(endpoints, EndpointStats{
			Eid:        eid,
			QueueLen:   es.queue.len(),
			MemoryUsed: atomic.LoadInt64(&es.memoryUsed),
		})
	}
	return accepted, rejected, endpoints
}

// SendAs stamps msg's source address before routing it, for callers sending
// on behalf of an endpoint they don't hold a handle for (e.g. the bridge).
func (n *Net) SendAs(msg *Message, srcNet, srcEndpoint Id) int {
	msg.SrcNet = srcNet
	msg.SrcEndpoint = srcEndpoint
	return n.Send(msg)
}

// Close stops the net's background wakeup ticker. It does not affect
// already-registered endpoints, which continue to function; deadline-bound
// receives still resolve correctly via their own timers.
func (n *Net) Close() {
	if n.tickStop == nil {
		return
	}
	close(n.tickStop)
	<-n.tickDone
}

// startTicker runs a belt-and-suspenders wakeup loop: every endpoint's
// condition-variable-style notify channel already wakes blocked receivers
// as soon as a message arrives, and each deadline-bound receive runs its own
// timer, but the ticker
// catches any wakeup a timer channel might otherwise miss, and guarantees
// deadline-bound receives are polled even under clock anomalies. Its period
// adapts between 100us and 100ms: it halves after a tick that found work and
// doubles after a tick that found none, so an idle net settles to
// infrequent wakeups while a busy one stays responsive.
func (n *Net) startTicker() {
	const minLatency = 100 * time.Microsecond
	const maxLatency = 100 * time.Millisecond

	n.tickStop = make(chan struct{})
	n.tickDone = make(chan struct{})

	go func() {
		defer close(n.tickDone)
		latency := maxLatency
		timer := time.NewTimer(latency)
		defer timer.Stop()

		for {
			select {
			case <-n.tickStop:
				return
			case <-timer.C:
			}

			woke := false
			now := time.Now()
			for _, es := range n.snapshot() {
				es.mu.Lock()
				wakeupAt := es.wakeupAt
				es.mu.Unlock()

				overdue := !wakeupAt.IsZero() && !now.Before(wakeupAt)
				waiting := es.queue.len() > 0 && atomic.LoadInt32(&es.sleeperCount) > 0
				if overdue || waiting {
					es.wake()
					es.mu.Lock()
					es.wakeupAt = time.Time{}
					es.mu.Unlock()
					woke = true
				}
			}

			if woke {
				latency /= 2
				if latency < minLatency {
					latency = minLatency
				}
			} else {
				latency *= 2
				if latency > maxLatency {
					latency = maxLatency
				}
			}
			timer.Reset(latency)
		}
	}()
}
