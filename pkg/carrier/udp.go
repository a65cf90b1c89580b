package carrier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/higebu/netfd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"arqnet/pkg/frame"
)

// UDPConfig configures the direct-UDP carrier.
type UDPConfig struct {
	ListenAddr string // e.g. ":5000" or "0.0.0.0:5000"

	// SendBufferBytes/RecvBufferBytes, if non-zero, are applied to the raw
	// socket via SO_SNDBUF/SO_RCVBUF after the net.UDPConn is created,
	// beyond what SetReadBuffer/SetWriteBuffer guarantee on some
	// platforms (A5 in SPEC_FULL.md).
	SendBufferBytes int
	RecvBufferBytes int
}

// UDPAddr is a carrier.Addr backed by a UDP socket address.
type UDPAddr struct {
	addr *net.UDPAddr
}

func (a *UDPAddr) String() string { return a.addr.String() }

// ResolveUDPAddr parses s (host:port) into a carrier.Addr for the UDP
// carrier.
func ResolveUDPAddr(s string) (*UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return nil, fmt.Errorf("carrier: resolve udp addr %q: %w", s, err)
	}
	return &UDPAddr{addr: addr}, nil
}

// UDPCarrier sends and receives frames as single UDP datagrams over one
// bound socket, shared by all peers that datagram sees (the Transport layer
// above pins itself to the first peer it hears from; see pkg/transport).
type UDPCarrier struct {
	conn *net.UDPConn
	log  *logrus.Entry
}

// NewUDPCarrier binds a UDP socket per cfg.ListenAddr.
func NewUDPCarrier(cfg UDPConfig, log *logrus.Entry) (*UDPCarrier, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("carrier: resolve listen addr %q: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("carrier: listen udp %q: %w", cfg.ListenAddr, err)
	}

	u := &UDPCarrier{conn: conn, log: log}
	if err := u.tuneBuffers(cfg.SendBufferBytes, cfg.RecvBufferBytes); err != nil {
		log.WithError(err).Warn("carrier: socket buffer tuning failed, continuing with OS defaults")
	}
	return u, nil
}

// tuneBuffers applies SO_SNDBUF/SO_RCVBUF on the socket's raw file
// descriptor, obtained via netfd the same way a Prometheus TCP_INFO
// collector reaches a connection's fd.
func (u *UDPCarrier) tuneBuffers(sendBytes, recvBytes int) error {
	if sendBytes == 0 && recvBytes == 0 {
		return nil
	}

	fd := netfd.GetFdFromConn(u.conn)
	if fd < 0 {
		return fmt.Errorf("carrier: could not obtain raw fd for socket tuning")
	}

	if sendBytes > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sendBytes); err != nil {
			return fmt.Errorf("carrier: SO_SNDBUF: %w", err)
		}
	}
	if recvBytes > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recvBytes); err != nil {
			return fmt.Errorf("carrier: SO_RCVBUF: %w", err)
		}
	}
	return nil
}

// LocalAddr returns the carrier's bound local address.
func (u *UDPCarrier) LocalAddr() *UDPAddr {
	return &UDPAddr{addr: u.conn.LocalAddr().(*net.UDPAddr)}
}

func (u *UDPCarrier) Send(ctx context.Context, f []byte, peer Addr) error {
	udpAddr, ok := peer.(*UDPAddr)
	if !ok {
		return fmt.Errorf("carrier: peer %v is not a *UDPAddr", peer)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = u.conn.SetWriteDeadline(deadline)
	} else {
		_ = u.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := u.conn.WriteToUDP(f, udpAddr.addr); err != nil {
		return fmt.Errorf("%w: %v", ErrCarrierUnavailable, err)
	}
	return nil
}

func (u *UDPCarrier) Recv(ctx context.Context, timeout time.Duration) ([]byte, Addr, error) {
	if err := u.conn.SetReadDeadline(deadlineFrom(ctx, timeout)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, nil, ErrCarrierClosed
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrCarrierUnavailable, err)
	}

	buf := make([]byte, frame.HeaderSize+frame.MaxPayload)
	n, raddr, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil, ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, nil, ErrCarrierClosed
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrCarrierUnavailable, err)
	}

	out := make([]byte, n)
	copy(out, buf[:n])
	return out, &UDPAddr{addr: raddr}, nil
}

func (u *UDPCarrier) Close() error {
	return u.conn.Close()
}
