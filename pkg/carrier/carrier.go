// Package carrier abstracts the substrate that moves opaque transport
// frames between a client and a server: either raw UDP datagrams or an
// HTTP(S)-tunneled request/response exchange (OBFS). Transport is written
// against the Carrier interface and does not know which substrate it runs
// over.
package carrier

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCarrierUnavailable signals a transient substrate failure; the
	// Transport layer retries.
	ErrCarrierUnavailable = errors.New("carrier: unavailable")
	// ErrTimeout is returned from Recv when no frame arrives within the
	// requested deadline.
	ErrTimeout = errors.New("carrier: timeout")
	// ErrCarrierClosed is returned once Close has been called.
	ErrCarrierClosed = errors.New("carrier: closed")
)

// Addr identifies a peer at the carrier layer, independent of substrate: a
// (host, port) pair for UDP, a client identifier for the HTTPS carrier.
type Addr interface {
	String() string
}

// Carrier is a bidirectional, datagram-oriented transport of opaque byte
// frames. Implementations must not split or merge frames: one Send call
// corresponds to exactly one frame delivered by a peer's Recv call.
type Carrier interface {
	// Send enqueues frame for delivery to peer. It may fail transiently
	// (ErrCarrierUnavailable); the caller is responsible for retrying.
	Send(ctx context.Context, frame []byte, peer Addr) error
	// Recv blocks for up to timeout (bounded further by ctx) for the next
	// frame, returning it along with the sending peer's address.
	Recv(ctx context.Context, timeout time.Duration) (frame []byte, peer Addr, err error)
	// Close releases the carrier's resources. Subsequent Recv calls return
	// ErrCarrierClosed; Send does not report ErrCarrierClosed.
	Close() error
}

func deadlineFrom(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}
