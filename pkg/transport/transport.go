// Package transport implements the Stop-and-Wait ARQ endpoint: a single
// in-flight frame, 32-bit sequence/ack numbers, and bounded retransmission
// over any carrier.Carrier substrate.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"arqnet/pkg/carrier"
	"arqnet/pkg/crypto"
	"arqnet/pkg/frame"
	"arqnet/pkg/metrics"
)

// Config bounds the retransmission behaviour of an Endpoint.
type Config struct {
	// RetransmitTimeout (T) is how long Endpoint waits for an ACK before
	// resending the unacknowledged frame.
	RetransmitTimeout time.Duration
	// MaxRetries (R) bounds the number of retransmissions after the
	// initial send; exceeding it fails the call with ErrUnreliable.
	MaxRetries int
	// InitialSeq seeds the endpoint's sequence number space and is used as
	// given, zero included. Callers that want an unpredictable starting
	// point pass a value from RandomInitialSeq.
	InitialSeq uint32
}

// DefaultConfig returns T=2s, R=5, matching the protocol's reference
// parameters.
func DefaultConfig() Config {
	return Config{RetransmitTimeout: 2 * time.Second, MaxRetries: 5}
}

// RandomInitialSeq returns a cryptographically random 32-bit sequence number,
// for callers that want an unpredictable starting point rather than the
// zero value NewEndpoint otherwise uses.
func RandomInitialSeq() (uint32, error) {
	b, err := crypto.RandomBytes(4)
	if err != nil {
		return 0, fmt.Errorf("transport: random initial seq: %w", err)
	}
	return binary.BigEndian.Uint32(b), nil
}

var (
	// ErrUnreliable is returned once a frame failed to be acknowledged
	// after the configured number of retries.
	ErrUnreliable = errors.New("transport: peer unreachable after max retries")
	// ErrClosed is returned from calls made after Close.
	ErrClosed = errors.New("transport: endpoint closed")
	// ErrCancelled wraps a context cancellation observed while waiting on
	// the network.
	ErrCancelled = errors.New("transport: operation cancelled")
	// ErrPeerMismatch names a frame arriving from an address other than
	// the endpoint's bound peer. Endpoint does not return it: its receive
	// loop drops such frames silently.
	ErrPeerMismatch = errors.New("transport: frame from unbound peer")
)

// State is the connection lifecycle state of an Endpoint.
type State int

const (
	StateIdle State = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type ackWaiter struct {
	flags frame.Flags
	ack   uint32
	ch    chan frame.Header
}

// Endpoint is a single Stop-and-Wait ARQ connection bound to exactly one
// peer over a carrier.Carrier.
type Endpoint struct {
	c       carrier.Carrier
	cfg     Config
	log     *logrus.Entry
	metrics *metrics.Collector

	mu       sync.Mutex
	state    State
	peer     carrier.Addr
	localSeq uint32
	peerSeq  uint32
	waiters  []*ackWaiter
	synCh    chan synArrival

	inbound chan inboundData

	closeCh   chan struct{}
	closeOnce sync.Once
	recvWG    sync.WaitGroup
}

type inboundData struct {
	payload []byte
}

type synArrival struct {
	hdr  frame.Header
	peer carrier.Addr
}

// NewEndpoint wraps c with Stop-and-Wait ARQ semantics. It does not perform
// a handshake; call Dial or Accept next. m may be nil, in which case no
// metrics are recorded.
func NewEndpoint(c carrier.Carrier, cfg Config, log *logrus.Entry, m *metrics.Collector) *Endpoint {
	if cfg.RetransmitTimeout <= 0 {
		cfg.RetransmitTimeout = DefaultConfig().RetransmitTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	e := &Endpoint{
		c:        c,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		state:    StateIdle,
		localSeq: cfg.InitialSeq,
		inbound:  make(chan inboundData, 64),
		synCh:    make(chan synArrival, 1),
		closeCh:  make(chan struct{}),
	}
	e.recvWG.Add(1)
	go e.receiveLoop()
	return e
}

// Dial performs the client side of the handshake: send SYN, await SYN|ACK,
// send ACK.
func (e *Endpoint) Dial(ctx context.Context, peer carrier.Addr) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return fmt.Errorf("transport: Dial called in state %s", e.state)
	}
	e.state = StateHandshaking
	e.peer = peer
	e.mu.Unlock()

	synAck, err := e.sendAndWaitAck(ctx, frame.FlagSyn, nil, frame.FlagSyn|frame.FlagAck)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.peerSeq = synAck.Seq
	e.localSeq++
	ackHdr := frame.Header{Flags: frame.FlagAck, Seq: e.localSeq, Ack: e.peerSeq + 1}
	e.mu.Unlock()

	if err := e.sendFrame(ctx, ackHdr, nil); err != nil {
		return err
	}

	e.mu.Lock()
	e.state = StateEstablished
	e.mu.Unlock()
	return nil
}

// Accept performs the server side of the handshake: await SYN, send
// SYN|ACK, await the final ACK. It binds the endpoint to the first peer
// whose SYN it observes; frames from any other address are ignored, per the
// single-peer-per-endpoint contract.
func (e *Endpoint) Accept(ctx context.Context) (carrier.Addr, error) {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return nil, fmt.Errorf("transport: Accept called in state %s", e.state)
	}
	e.state = StateHandshaking
	e.mu.Unlock()

	var arrival synArrival
	select {
	case arrival = <-e.synCh:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-e.closeCh:
		return nil, ErrClosed
	}

	e.mu.Lock()
	e.peer = arrival.peer
	e.peerSeq = arrival.hdr.Seq
	e.mu.Unlock()

	finalAck, err := e.sendAndWaitAck(ctx, frame.FlagSyn|frame.FlagAck, nil, frame.FlagAck)
	if err != nil {
		return nil, err
	}
	if finalAck.Ack != e.localSeq+1 {
		return nil, fmt.Errorf("transport: final ack %d does not cover syn-ack %d", finalAck.Ack, e.localSeq+1)
	}

	e.mu.Lock()
	e.localSeq++
	e.state = StateEstablished
	peer := e.peer
	e.mu.Unlock()
	return peer, nil
}

// SendData transmits payload as a single DATA frame and blocks until it is
// acknowledged, retrying up to cfg.MaxRetries times.
func (e *Endpoint) SendData(ctx context.Context, payload []byte) error {
	e.mu.Lock()
	if e.state != StateEstablished {
		e.mu.Unlock()
		return fmt.Errorf("transport: SendData called in state %s", e.state)
	}
	e.mu.Unlock()

	_, err := e.sendAndWaitAck(ctx, frame.FlagData, payload, frame.FlagAck)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.localSeq++
	e.mu.Unlock()
	return nil
}

// Recv returns the next in-order DATA payload delivered by the peer,
// blocking until one arrives, ctx is cancelled, or the endpoint is closed.
func (e *Endpoint) Recv(ctx context.Context) ([]byte, error) {
	select {
	case d := <-e.inbound:
		return d.payload, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-e.closeCh:
		return nil, ErrClosed
	}
}

// Close sends a FIN, waits for its ACK (best-effort), and releases the
// receive loop.
func (e *Endpoint) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = StateClosing
	e.mu.Unlock()

	_, err := e.sendAndWaitAck(ctx, frame.FlagFin, nil, frame.FlagAck)
	if err != nil {
		e.log.WithError(err).Debug("transport: close handshake did not complete cleanly")
	}

	e.mu.Lock()
	e.state = StateClosed
	e.mu.Unlock()

	e.closeOnce.Do(func() { close(e.closeCh) })
	e.recvWG.Wait()
	return e.c.Close()
}

// sendAndWaitAck sends a frame with the given flags/payload and blocks
// until a reply matching wantReplyFlags exactly (not a superset) arrives,
// retransmitting up to cfg.MaxRetries times on timeout. A send that fails
// with carrier.ErrCarrierUnavailable is treated as a lost frame and retried
// the same way.
func (e *Endpoint) sendAndWaitAck(ctx context.Context, sendFlags frame.Flags, payload []byte, wantReplyFlags frame.Flags) (frame.Header, error) {
	e.mu.Lock()
	seq := e.localSeq
	ack := uint32(0)
	if !(sendFlags.Has(frame.FlagSyn) && !sendFlags.Has(frame.FlagAck)) {
		ack = e.peerSeq + 1
	}
	h := frame.Header{Flags: sendFlags, Seq: seq, Ack: ack}
	e.mu.Unlock()

	wantAck := seq + 1

	waiter := &ackWaiter{flags: wantReplyFlags, ack: wantAck, ch: make(chan frame.Header, 1)}
	e.mu.Lock()
	e.waiters = append(e.waiters, waiter)
	e.mu.Unlock()
	defer e.removeWaiter(waiter)

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.metrics.Retransmit(sendFlags.String())
		}
		if err := e.sendFrame(ctx, h, payload); err != nil {
			if !errors.Is(err, carrier.ErrCarrierUnavailable) {
				return frame.Header{}, err
			}
			e.log.WithError(err).Warn("transport: carrier unavailable, will retransmit")
		}

		select {
		case reply := <-waiter.ch:
			return reply, nil
		case <-time.After(e.cfg.RetransmitTimeout):
			e.log.WithFields(logrus.Fields{"attempt": attempt, "flags": sendFlags.String()}).
				Debug("transport: retransmit timeout, resending")
			continue
		case <-ctx.Done():
			return frame.Header{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-e.closeCh:
			return frame.Header{}, ErrClosed
		}
	}

	return frame.Header{}, fmt.Errorf("%s after %d retries: %w", sendFlags.String(), e.cfg.MaxRetries, ErrUnreliable)
}

func (e *Endpoint) removeWaiter(w *ackWaiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, ww := range e.waiters {
		if ww == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

func (e *Endpoint) sendFrame(ctx context.Context, h frame.Header, payload []byte) error {
	buf, err := frame.Encode(h, payload)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	if err := e.c.Send(ctx, buf, peer); err != nil {
		return e.classifyCarrierErr(err)
	}
	e.metrics.FrameSent(h.Flags.String())
	return nil
}

func (e *Endpoint) classifyCarrierErr(err error) error {
	switch {
	case errors.Is(err, carrier.ErrCarrierClosed):
		return ErrClosed
	default:
		return err
	}
}

// receiveLoop continuously pulls frames off the carrier, routes ACK-bearing
// replies to any blocked waiter, and dispatches DATA/SYN/FIN frames to
// their handlers.
func (e *Endpoint) receiveLoop() {
	defer e.recvWG.Done()
	ctx := context.Background()
	for {
		select {
		case <-e.closeCh:
			return
		default:
		}

		buf, peer, err := e.c.Recv(ctx, e.cfg.RetransmitTimeout)
		if err != nil {
			if errors.Is(err, carrier.ErrTimeout) {
				continue
			}
			if errors.Is(err, carrier.ErrCarrierClosed) {
				return
			}
			e.log.WithError(err).Debug("transport: recv error")
			continue
		}

		h, payload, err := frame.Decode(buf)
		if err != nil {
			e.log.WithError(err).Debug("transport: dropped malformed frame")
			continue
		}
		e.metrics.FrameReceived(h.Flags.String())

		e.mu.Lock()
		bound := e.peer
		e.mu.Unlock()
		if bound != nil && peer.String() != bound.String() {
			continue
		}

		e.handleFrame(ctx, h, payload, peer)
	}
}

func (e *Endpoint) handleFrame(ctx context.Context, h frame.Header, payload []byte, peer carrier.Addr) {
	e.mu.Lock()
	for _, w := range e.waiters {
		if h.Flags == w.flags && h.Ack == w.ack {
			select {
			case w.ch <- h:
			default:
			}
			e.mu.Unlock()
			return
		}
	}
	e.mu.Unlock()

	switch {
	case h.Flags.Has(frame.FlagData):
		e.handleData(ctx, h, payload)
	case h.Flags.Has(frame.FlagSyn) && !h.Flags.Has(frame.FlagAck):
		select {
		case e.synCh <- synArrival{hdr: h, peer: peer}:
		default:
			// Already delivered (or retransmitted) while Accept was
			// still processing the first one; our SYN|ACK retry cycle
			// covers the peer's resend.
		}
	case h.Flags.Has(frame.FlagFin):
		e.handleFin(ctx, h)
	}
}

// handleData implements the receiver's three-way classification of an
// inbound DATA frame: the next expected sequence number is acked and
// delivered, a resend of the last delivered sequence number is re-acked
// without redelivery, and anything else is dropped silently (no ack), since
// it is neither in order nor a known duplicate.
func (e *Endpoint) handleData(ctx context.Context, h frame.Header, payload []byte) {
	e.mu.Lock()
	expected := e.peerSeq + 1
	lastDelivered := e.peerSeq
	e.mu.Unlock()

	switch h.Seq {
	case expected:
		e.mu.Lock()
		e.peerSeq = h.Seq
		e.mu.Unlock()

		ackHdr := frame.Header{Flags: frame.FlagAck, Seq: e.currentLocalSeq(), Ack: h.Seq + 1}
		if err := e.sendFrame(ctx, ackHdr, nil); err != nil {
			e.log.WithError(err).Debug("transport: failed to ack data frame")
		}
		select {
		case e.inbound <- inboundData{payload: payload}:
		default:
			e.log.Warn("transport: inbound queue full, dropping delivered payload")
		}
	case lastDelivered:
		e.metrics.DuplicateDropped("transport")
		ackHdr := frame.Header{Flags: frame.FlagAck, Seq: e.currentLocalSeq(), Ack: h.Seq + 1}
		if err := e.sendFrame(ctx, ackHdr, nil); err != nil {
			e.log.WithError(err).Debug("transport: failed to re-ack duplicate data frame")
		}
	default:
		e.log.WithFields(logrus.Fields{"seq": h.Seq, "expected": expected}).
			Debug("transport: dropping out-of-window data frame")
	}
}

func (e *Endpoint) handleFin(ctx context.Context, h frame.Header) {
	ackHdr := frame.Header{Flags: frame.FlagAck, Seq: e.currentLocalSeq(), Ack: h.Seq + 1}
	if err := e.sendFrame(ctx, ackHdr, nil); err != nil {
		e.log.WithError(err).Debug("transport: failed to ack fin frame")
	}
}

func (e *Endpoint) currentLocalSeq() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localSeq
}

// State returns the endpoint's current lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
