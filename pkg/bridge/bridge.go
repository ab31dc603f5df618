// Package bridge links two meshfabric nets across a TCP connection,
// forwarding Raw messages in both directions while preserving their
// address headers.
package bridge

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meshfabric/internal/metrics"
	"meshfabric/internal/resourceguard"
	"meshfabric/pkg/mesh"
)

const (
	payloadKindRaw byte = 1
	frameHeaderLen      = 1 + 8*4 // kind + srcNet + srcEp + dstNet + dstEp
	txIdleDeadline      = 900 * time.Second
)

// TerminateMessage is the control message a TX loop watches for: receiving
// one closes the connection and lets the paired RX loop unwind from its
// next read error.
type TerminateMessage struct{}

// obs bundles a bridge connection's observability and admission dependencies
// so they can be threaded through accept/dial/RX/TX without a growing
// parameter list. Met and Guard may be nil.
type obs struct {
	Log   zerolog.Logger
	Met   *metrics.Registry
	Guard *resourceguard.Guard
}

// role distinguishes which side of a Handle is populated.
type role int

const (
	roleListener role = iota
	roleConnector
)

// Handle is the external handle to either side of a bridge connection,
// returned by Listen and Connect.
type Handle struct {
	role role
	l    *listenerState
	c    *connectorState
}

// Terminate stops accepting/dialing new connections. It is idempotent.
func (h *Handle) Terminate() {
	switch h.role {
	case roleListener:
		h.l.terminate()
	case roleConnector:
		h.c.terminate()
	}
}

// Connected reports whether at least one peer has completed the handshake.
func (h *Handle) Connected() bool {
	switch h.role {
	case roleListener:
		return atomic.LoadInt64(&h.l.negCount) > 0
	case roleConnector:
		return h.c.isConnected()
	default:
		return false
	}
}

// ClientCount reports the number of accepted/negotiated connections: for a
// listener, the count of sockets accepted so far (not necessarily still
// open); for a connector, 1 while connected and 0 otherwise.
func (h *Handle) ClientCount() int64 {
	switch h.role {
	case roleListener:
		return atomic.LoadInt64(&h.l.clientCount)
	case roleConnector:
		if h.c.isConnected() {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// Addr returns the actual bound address of a listener Handle, which is
// useful when Listen was given a ":0" port. Empty for a connector Handle.
func (h *Handle) Addr() string {
	if h.role != roleListener || h.l.ln == nil {
		return ""
	}
	return h.l.ln.Addr().String()
}

// listenerState backs a Handle created by Listen.
type listenerState struct {
	net  *mesh.Net
	addr string
	obs  obs

	mu        sync.Mutex
	ln        net.Listener
	terminate bool

	clientCount int64 // atomic
	negCount    int64 // atomic
}

// Listen binds addr and accepts bridge connections from peers calling
// Connect, forwarding Raw messages between each accepted connection and n.
// met and guard may be nil.
func Listen(n *mesh.Net, addr string, log zerolog.Logger, met *metrics.Registry, guard *resourceguard.Guard) (*Handle, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &listenerState{net: n, addr: addr, obs: obs{Log: log, Met: met, Guard: guard}, ln: ln}
	go l.acceptLoop()
	return &Handle{role: roleListener, l: l}, nil
}

func (l *listenerState) terminate() {
	l.mu.Lock()
	l.terminate = true
	ln := l.ln
	l.mu.Unlock()
	if ln != nil {
		// Stops the accept loop; existing per-connection RX/TX goroutines
		// are left running until their own sockets see an error or a
		// Terminate control message, same as the reference listener.
		// TODO: track and close per-connection sockets from here too.
		_ = ln.Close()
	}
}

func (l *listenerState) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}

		l.mu.Lock()
		done := l.terminate
		l.mu.Unlock()
		if done {
			_ = conn.Close()
			return
		}

		atomic.AddInt64(&l.clientCount, 1)
		connID := uuid.NewString()

		ep := l.net.NewEndpoint()
		ep.SetSid(mesh.Unused)
		ep.SetGid(l.net.NextId())

		// RX and TX each hold this connection's only caller-side reference to
		// ep; it is released exactly once, after both have exited, mirroring
		// the connector's release at the end of dialLoop.
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.runRX(ep, conn, connID)
		}()
		go func() {
			defer wg.Done()
			runTX(ep, conn, l.net.Sid(), l.obs, connID)
		}()
		go func() {
			wg.Wait()
			ep.Release()
		}()
	}
}

func (l *listenerState) runRX(ep *mesh.Endpoint, conn net.Conn, connID string) {
	if !handshakeRead(ep, conn, l.obs.Log, connID) {
		return
	}
	atomic.AddInt64(&l.negCount, 1)
	runRX(ep, conn, l.net, l.obs, connID)
}

// connectorState backs a Handle created by Connect.
type connectorState struct {
	net  *mesh.Net
	addr string
	obs  obs

	mu        sync.Mutex
	ep        *mesh.Endpoint
	terminate bool
	connected bool
}

// Connect repeatedly dials addr until Terminate is called, forwarding Raw
// messages between each successful connection and n. It returns
// immediately; dialing happens on a background goroutine. met and guard may
// be nil.
func Connect(n *mesh.Net, addr string, log zerolog.Logger, met *metrics.Registry, guard *resourceguard.Guard) *Handle {
	c := &connectorState{net: n, addr: addr, obs: obs{Log: log, Met: met, Guard: guard}}
	go c.dialLoop()
	return &Handle{role: roleConnector, c: c}
}

func (c *connectorState) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *connectorState) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *connectorState) terminate() {
	c.mu.Lock()
	c.terminate = true
	ep := c.ep
	c.mu.Unlock()
	if ep == nil {
		return
	}
	// Wakes the TX loop, which closes the socket and unwinds RX.
	ep.Give(mesh.NewClone(TerminateMessage{}))
}

func (c *connectorState) shouldStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminate
}

func (c *connectorState) dialLoop() {
	first := true
	for {
		if c.shouldStop() {
			return
		}

		if !first && c.obs.Met != nil {
			c.obs.Met.BridgeReconnects.Inc()
		}
		first = false

		conn, err := net.Dial("tcp", c.addr)
		if err != nil {
			c.obs.Log.Debug().Str("addr", c.addr).Err(err).Msg("bridge dial failed, retrying")
			time.Sleep(time.Second)
			continue
		}
		if c.shouldStop() {
			_ = conn.Close()
			return
		}

		ep := c.net.NewEndpoint()
		ep.SetSid(mesh.Unused)
		ep.SetGid(c.net.NextId())

		c.mu.Lock()
		c.ep = ep
		c.mu.Unlock()

		connID := uuid.NewString()
		done := make(chan struct{})
		go func() {
			defer close(done)
			if !handshakeRead(ep, conn, c.obs.Log, connID) {
				return
			}
			c.setConnected(true)
			runRX(ep, conn, c.net, c.obs, connID)
		}()
		runTX(ep, conn, c.net.Sid(), c.obs, connID)
		<-done

		c.setConnected(false)
		ep.Release()

		if c.shouldStop() {
			return
		}
	}
}

// handshakeRead reads the peer's 8-byte big-endian sid and binds ep to it,
// so that messages addressed to the peer's sid (or to Any) are accepted by
// this bridge endpoint through the normal acceptance predicate and
// forwarded. LocalNet-addressed messages are not accepted, since ep's sid
// no longer equals its own net's sid. On a failed read it closes conn and
// wakes the paired TX loop with a TerminateMessage.
func handshakeRead(ep *mesh.Endpoint, conn net.Conn, log zerolog.Logger, connID string) bool {
	var buf [8]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		log.Warn().Str("conn_id", connID).Err(err).Msg("bridge handshake read failed")
		_ = conn.Close()
		ep.Give(mesh.NewClone(TerminateMessage{}))
		return false
	}
	ep.SetSid(mesh.Id(binary.BigEndian.Uint64(buf[:])))
	return true
}

// runRX reads frames off conn and routes Raw messages onto n. It returns
// when a read fails or a frame's total_size is shorter than the header;
// frames of a non-Raw kind are skipped whole (total_size delimits them) and
// the loop continues. On return it closes conn and gives ep a
// TerminateMessage, so the paired runTX exits instead of waiting in
// RecvOrBlock for a message to write.
func runRX(ep *mesh.Endpoint, conn net.Conn, n *mesh.Net, o obs, connID string) {
	defer func() {
		_ = conn.Close()
		ep.Give(mesh.NewClone(TerminateMessage{}))
	}()

	for {
		var sizeBuf [8]byte
		if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				o.Log.Debug().Str("conn_id", connID).Err(err).Msg("bridge rx closed")
			}
			return
		}
		total := binary.BigEndian.Uint64(sizeBuf[:])
		if total < frameHeaderLen {
			o.Log.Error().Str("conn_id", connID).Uint64("total", total).Msg("bridge frame shorter than header")
			return
		}

		rest := make([]byte, total)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return
		}

		kind := rest[0]
		srcNet := mesh.Id(binary.BigEndian.Uint64(rest[1:9]))
		srcEp := mesh.Id(binary.BigEndian.Uint64(rest[9:17]))
		dstNet := mesh.Id(binary.BigEndian.Uint64(rest[17:25]))
		dstEp := mesh.Id(binary.BigEndian.Uint64(rest[25:33]))
		body := rest[frameHeaderLen:]

		if kind != payloadKindRaw {
			o.Log.Debug().Str("conn_id", connID).Uint8("kind", kind).Msg("dropping non-raw bridge frame")
			if o.Met != nil {
				o.Met.BridgeFramesDropped.Inc()
			}
			continue
		}

		if o.Guard != nil && !o.Guard.AllowIngest() {
			o.Log.Debug().Str("conn_id", connID).Msg("dropping bridge frame: ingestion rate limit exceeded")
			if o.Met != nil {
				o.Met.BridgeFramesDropped.Inc()
			}
			continue
		}
		if o.Met != nil {
			o.Met.BridgeFramesReceived.Inc()
		}

		msg := mesh.NewRawFromBytes(body)
		msg.SrcNet, msg.SrcEndpoint = srcNet, srcEp
		msg.DstNet, msg.DstEndpoint = dstNet, dstEp
		n.Send(msg)
	}
}

// runTX writes the local sid, then blocks on ep for messages to forward.
// Only Raw messages are serialized; a TerminateMessage closes the
// connection and returns, which in turn unwinds the paired runRX.
func runTX(ep *mesh.Endpoint, conn net.Conn, sid mesh.Id, o obs, connID string) {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(sid))
	if _, err := conn.Write(hdr[:]); err != nil {
		o.Log.Warn().Str("conn_id", connID).Err(err).Msg("bridge handshake write failed")
		_ = conn.Close()
		return
	}

	for {
		msg, err := ep.RecvOrBlock(txIdleDeadline)
		if err != nil {
			continue
		}

		if mesh.IsType[TerminateMessage](msg) {
			_ = conn.Close()
			return
		}
		if !msg.IsRaw() {
			continue
		}

		body := msg.RawBuffer().AsSlice()
		frame := make([]byte, 8+frameHeaderLen+len(body))
		binary.BigEndian.PutUint64(frame[0:8], uint64(frameHeaderLen+len(body)))
		frame[8] = payloadKindRaw
		binary.BigEndian.PutUint64(frame[9:17], uint64(msg.SrcNet))
		binary.BigEndian.PutUint64(frame[17:25], uint64(msg.SrcEndpoint))
		binary.BigEndian.PutUint64(frame[25:33], uint64(msg.DstNet))
		binary.BigEndian.PutUint64(frame[33:41], uint64(msg.DstEndpoint))
		copy(frame[41:], body)

		if _, err := conn.Write(frame); err != nil {
			o.Log.Warn().Str("conn_id", connID).Err(err).Msg("bridge write failed")
			_ = conn.Close()
			return
		}
		if o.Met != nil {
			o.Met.BridgeFramesSent.Inc()
		}
	}
}
