// Package protocol implements AppProtocol: the session state machine that
// runs handshake, mode negotiation, in-band key exchange, the data phase,
// and teardown on top of a transport.Endpoint.
package protocol

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"arqnet/pkg/crypto"
	"arqnet/pkg/message"
	"arqnet/pkg/transport"
)

// Mode selects the carrier/encryption combination negotiated at
// MODE_SELECT.
type Mode string

const (
	ModeDefault    Mode = "default"
	ModeSecure     Mode = "secure"
	ModeObfs       Mode = "obfs"
	ModeSecureObfs Mode = "secure_obfs"
)

func (m Mode) secure() bool {
	return m == ModeSecure || m == ModeSecureObfs
}

func validMode(m Mode) bool {
	switch m {
	case ModeDefault, ModeSecure, ModeObfs, ModeSecureObfs:
		return true
	default:
		return false
	}
}

// Phase is AppProtocol's connection lifecycle state.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseHelloSent
	PhaseModeSelected
	PhaseKeyExchanged
	PhaseReady
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseHelloSent:
		return "HELLO_SENT"
	case PhaseModeSelected:
		return "MODE_SELECTED"
	case PhaseKeyExchanged:
		return "KEY_EXCHANGED"
	case PhaseReady:
		return "READY"
	case PhaseClosing:
		return "CLOSING"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrModeMismatch is returned by both Dial and Accept when the
	// client's requested mode does not match the server's configured mode.
	ErrModeMismatch = errors.New("protocol: mode mismatch")
	// ErrSessionClosed is returned from Send in any phase other than READY
	// (before the handshake completes, or once CLOSING or CLOSED), and from
	// Recv once the session has stopped delivering messages.
	ErrSessionClosed = errors.New("protocol: session closed")
	// ErrUnexpectedMessage is returned when a message arrives that is
	// invalid for the session's current phase.
	ErrUnexpectedMessage = errors.New("protocol: unexpected message for phase")
)

// ProtocolVersion is advertised in HELLO and is purely informational; peers
// do not reject a mismatched version.
const ProtocolVersion = "1"

// Inbound is one application-level message delivered to the caller via
// Session.Recv.
type Inbound struct {
	Text   string
	Sender string
}

// Session is one AppProtocol connection, layered over a transport.Endpoint.
type Session struct {
	ep   *transport.Endpoint
	mode Mode
	log  *logrus.Entry

	localID string
	peerID  string
	key     []byte // non-nil iff mode is secure or secure_obfs

	mu    sync.Mutex
	phase Phase

	incoming chan Inbound
	lastErr  error

	recvCtx    context.Context
	recvCancel context.CancelFunc
	recvWG     sync.WaitGroup

	sendMu sync.Mutex
}

// Dial runs the client side of the AppProtocol handshake over an already
// Dial'd (ESTABLISHED) transport.Endpoint: HELLO, MODE_SELECT, and, for
// secure modes, receiving the server's KEY_EXCHANGE. On success the
// returned Session is in PhaseReady with its receive loop running.
func Dial(ctx context.Context, ep *transport.Endpoint, mode Mode, log *logrus.Entry) (*Session, error) {
	if !validMode(mode) {
		return nil, fmt.Errorf("protocol: invalid mode %q", mode)
	}

	s := &Session{
		ep:       ep,
		mode:     mode,
		log:      log,
		localID:  xid.New().String(),
		incoming: make(chan Inbound, 64),
		phase:    PhaseInit,
	}

	helloBuf, err := message.Encode(message.TypeHello, message.Hello{ClientID: s.localID, Version: ProtocolVersion})
	if err != nil {
		return nil, err
	}
	if err := ep.SendData(ctx, helloBuf); err != nil {
		return nil, fmt.Errorf("protocol: send hello: %w", err)
	}
	s.setPhase(PhaseHelloSent)

	reply, err := s.recvRaw(ctx)
	if err != nil {
		return nil, err
	}
	helloReply, err := message.Decode(reply)
	if err != nil || helloReply.Type != message.TypeHello {
		return nil, fmt.Errorf("protocol: expected HELLO reply: %w", ErrUnexpectedMessage)
	}
	serverHello, err := message.DecodeHello(helloReply)
	if err != nil {
		return nil, err
	}
	s.peerID = serverHello.ClientID

	modeBuf, err := message.Encode(message.TypeModeSelect, message.ModeSelect{Mode: string(mode)})
	if err != nil {
		return nil, err
	}
	if err := ep.SendData(ctx, modeBuf); err != nil {
		return nil, fmt.Errorf("protocol: send mode_select: %w", err)
	}

	reply, err = s.recvRaw(ctx)
	if err != nil {
		return nil, err
	}
	modeReply, err := message.Decode(reply)
	if err != nil {
		return nil, err
	}
	switch modeReply.Type {
	case message.TypeModeSelect:
		echoed, err := message.DecodeModeSelect(modeReply)
		if err != nil {
			return nil, err
		}
		if echoed.Mode != string(mode) {
			return nil, fmt.Errorf("protocol: server echoed mode %q, want %q: %w", echoed.Mode, mode, ErrModeMismatch)
		}
	case message.TypeError:
		errPayload, _ := message.DecodeError(modeReply)
		if errPayload.Code == message.ErrorCodeModeMismatch {
			s.setPhase(PhaseClosing)
			if err := s.ep.Close(ctx); err != nil {
				s.log.WithError(err).Debug("protocol: close after mode mismatch did not complete cleanly")
			}
			s.setPhase(PhaseClosed)
			return nil, fmt.Errorf("protocol: %s: %w", errPayload.Detail, ErrModeMismatch)
		}
		return nil, fmt.Errorf("protocol: server error %s: %s", errPayload.Code, errPayload.Detail)
	default:
		return nil, fmt.Errorf("protocol: unexpected reply to MODE_SELECT: %w", ErrUnexpectedMessage)
	}
	s.setPhase(PhaseModeSelected)

	if mode.secure() {
		reply, err = s.recvRaw(ctx)
		if err != nil {
			return nil, err
		}
		keyMsg, err := message.Decode(reply)
		if err != nil || keyMsg.Type != message.TypeKeyExchange {
			return nil, fmt.Errorf("protocol: expected KEY_EXCHANGE: %w", ErrUnexpectedMessage)
		}
		ke, err := message.DecodeKeyExchange(keyMsg)
		if err != nil {
			return nil, err
		}
		key, err := base64.StdEncoding.DecodeString(ke.Key)
		if err != nil || len(key) != crypto.KeySize {
			return nil, fmt.Errorf("protocol: malformed key exchange")
		}
		s.key = key
		s.setPhase(PhaseKeyExchanged)
	}

	s.setPhase(PhaseReady)
	s.recvCtx, s.recvCancel = context.WithCancel(context.Background())
	s.recvWG.Add(1)
	go s.receiveLoop()
	return s, nil
}

// Accept runs the server side of the AppProtocol handshake over an already
// Accept'd (ESTABLISHED) transport.Endpoint, validating the client's
// requested mode against configuredMode.
func Accept(ctx context.Context, ep *transport.Endpoint, configuredMode Mode, log *logrus.Entry) (*Session, error) {
	if !validMode(configuredMode) {
		return nil, fmt.Errorf("protocol: invalid configured mode %q", configuredMode)
	}

	s := &Session{
		ep:       ep,
		mode:     configuredMode,
		log:      log,
		localID:  xid.New().String(),
		incoming: make(chan Inbound, 64),
		phase:    PhaseInit,
	}

	raw, err := s.recvRaw(ctx)
	if err != nil {
		return nil, err
	}
	helloMsg, err := message.Decode(raw)
	if err != nil || helloMsg.Type != message.TypeHello {
		return nil, fmt.Errorf("protocol: expected HELLO: %w", ErrUnexpectedMessage)
	}
	clientHello, err := message.DecodeHello(helloMsg)
	if err != nil {
		return nil, err
	}
	s.peerID = clientHello.ClientID

	helloReply, err := message.Encode(message.TypeHello, message.Hello{ClientID: s.localID, Version: ProtocolVersion})
	if err != nil {
		return nil, err
	}
	if err := ep.SendData(ctx, helloReply); err != nil {
		return nil, fmt.Errorf("protocol: send hello reply: %w", err)
	}
	s.setPhase(PhaseHelloSent)

	raw, err = s.recvRaw(ctx)
	if err != nil {
		return nil, err
	}
	modeMsg, err := message.Decode(raw)
	if err != nil || modeMsg.Type != message.TypeModeSelect {
		return nil, fmt.Errorf("protocol: expected MODE_SELECT: %w", ErrUnexpectedMessage)
	}
	requested, err := message.DecodeModeSelect(modeMsg)
	if err != nil {
		return nil, err
	}

	if requested.Mode != string(configuredMode) {
		errBuf, _ := message.Encode(message.TypeError, message.ErrorPayload{
			Code:   message.ErrorCodeModeMismatch,
			Detail: fmt.Sprintf("server is configured for mode %q", configuredMode),
		})
		_ = ep.SendData(ctx, errBuf)
		s.setPhase(PhaseClosing)
		if err := ep.Close(ctx); err != nil {
			s.log.WithError(err).Debug("protocol: close after mode mismatch did not complete cleanly")
		}
		s.setPhase(PhaseClosed)
		return nil, fmt.Errorf("protocol: client requested %q, server is %q: %w", requested.Mode, configuredMode, ErrModeMismatch)
	}

	echoBuf, err := message.Encode(message.TypeModeSelect, message.ModeSelect{Mode: string(configuredMode)})
	if err != nil {
		return nil, err
	}
	if err := ep.SendData(ctx, echoBuf); err != nil {
		return nil, fmt.Errorf("protocol: send mode_select echo: %w", err)
	}
	s.setPhase(PhaseModeSelected)

	if configuredMode.secure() {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		keyBuf, err := message.Encode(message.TypeKeyExchange, message.KeyExchange{Key: base64.StdEncoding.EncodeToString(key)})
		if err != nil {
			return nil, err
		}
		if err := ep.SendData(ctx, keyBuf); err != nil {
			return nil, fmt.Errorf("protocol: send key_exchange: %w", err)
		}
		s.key = key
		s.setPhase(PhaseKeyExchanged)
	}

	s.setPhase(PhaseReady)
	s.recvCtx, s.recvCancel = context.WithCancel(context.Background())
	s.recvWG.Add(1)
	go s.receiveLoop()
	return s, nil
}

// Send transmits text as a MSG from this session's local identity.
func (s *Session) Send(ctx context.Context, text string) error {
	if s.Phase() != PhaseReady {
		return fmt.Errorf("protocol: Send called in phase %s: %w", s.Phase(), ErrSessionClosed)
	}

	buf, err := message.Encode(message.TypeMsg, message.Msg{Text: text, Sender: s.localID})
	if err != nil {
		return err
	}
	if err := s.sendRaw(ctx, buf); err != nil {
		if errors.Is(err, transport.ErrUnreliable) {
			s.setErr(err)
			s.setPhase(PhaseClosing)
		}
		return err
	}
	return nil
}

// Recv returns the next application message delivered by the peer.
func (s *Session) Recv(ctx context.Context) (Inbound, error) {
	select {
	case in, ok := <-s.incoming:
		if !ok {
			return Inbound{}, s.closeErr()
		}
		return in, nil
	case <-ctx.Done():
		return Inbound{}, fmt.Errorf("protocol: %v", ctx.Err())
	}
}

// Close sends BYE and tears down the underlying Transport endpoint.
func (s *Session) Close(ctx context.Context) error {
	if s.Phase() == PhaseClosed {
		return nil
	}

	byeBuf, err := message.Encode(message.TypeBye, message.Bye{})
	if err == nil {
		_ = s.sendRaw(ctx, byeBuf)
	}

	s.setPhase(PhaseClosing)
	if s.recvCancel != nil {
		s.recvCancel()
	}
	s.recvWG.Wait()
	s.setPhase(PhaseClosed)
	return s.ep.Close(ctx)
}

// Phase returns the session's current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastError returns the error, if any, that caused the session to stop
// processing inbound messages.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) closeErr() error {
	if err := s.LastError(); err != nil {
		return err
	}
	return ErrSessionClosed
}

// sendRaw encrypts buf (if the session is in a secure mode) and hands it to
// Transport as a single DATA payload. Transport allows only one in-flight
// frame per endpoint, so sends from Send, Close and receiveLoop's own
// replies are serialized here.
func (s *Session) sendRaw(ctx context.Context, buf []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.key != nil {
		ct, err := crypto.Encrypt(s.key, buf)
		if err != nil {
			return fmt.Errorf("protocol: encrypt: %w", err)
		}
		buf = ct
	}
	if err := s.ep.SendData(ctx, buf); err != nil {
		return fmt.Errorf("protocol: send: %w", err)
	}
	return nil
}

// recvRaw reads one Transport payload and decrypts it if the session has a
// key installed. Used both during handshake (key not yet installed for the
// first few exchanges) and by receiveLoop.
func (s *Session) recvRaw(ctx context.Context) ([]byte, error) {
	buf, err := s.ep.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("protocol: recv: %w", err)
	}
	if s.key != nil {
		pt, err := crypto.Decrypt(s.key, buf)
		if err != nil {
			return nil, fmt.Errorf("protocol: decrypt: %w", err)
		}
		return pt, nil
	}
	return buf, nil
}

// receiveLoop delivers MSG payloads to Session.Recv's channel and handles
// BYE/ERROR/ACK_MSG/unknown messages once the session is READY.
func (s *Session) receiveLoop() {
	defer s.recvWG.Done()
	defer close(s.incoming)

	ctx := s.recvCtx
	for {
		if s.Phase() != PhaseReady {
			return
		}

		raw, err := s.recvRaw(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, transport.ErrCancelled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, crypto.ErrPadding) || errors.Is(err, crypto.ErrCiphertextShort) {
				s.replyError(ctx, message.ErrorCodeCrypto, "decryption failed")
			}
			s.log.WithError(err).Debug("protocol: recv failed")
			s.setErr(err)
			s.setPhase(PhaseClosing)
			return
		}

		m, err := message.Decode(raw)
		if err != nil {
			s.replyError(ctx, message.ErrorCodeProtocol, "malformed message")
			s.setErr(fmt.Errorf("%w: %v", message.ErrMessageInvalid, err))
			s.setPhase(PhaseClosing)
			return
		}

		switch m.Type {
		case message.TypeMsg:
			msg, err := message.DecodeMsg(m)
			if err != nil {
				s.replyError(ctx, message.ErrorCodeProtocol, "malformed MSG")
				s.setErr(err)
				s.setPhase(PhaseClosing)
				return
			}
			select {
			case s.incoming <- Inbound{Text: msg.Text, Sender: msg.Sender}:
			default:
				s.log.Warn("protocol: incoming queue full, dropping message")
			}
			ackBuf, err := message.Encode(message.TypeAckMsg, message.AckMsg{})
			if err == nil {
				_ = s.sendRaw(ctx, ackBuf)
			}
		case message.TypeAckMsg:
			// advisory; no action required.
		case message.TypeBye:
			byeBuf, err := message.Encode(message.TypeBye, message.Bye{})
			if err == nil {
				_ = s.sendRaw(ctx, byeBuf)
			}
			s.setPhase(PhaseClosing)
			return
		case message.TypeError:
			errPayload, _ := message.DecodeError(m)
			s.log.WithFields(logrus.Fields{"code": errPayload.Code, "detail": errPayload.Detail}).Error("protocol: peer reported error")
			s.setErr(fmt.Errorf("protocol: peer error %s: %s", errPayload.Code, errPayload.Detail))
			s.setPhase(PhaseClosing)
			return
		default:
			s.replyError(ctx, message.ErrorCodeProtocol, "unknown message type")
			s.setErr(fmt.Errorf("protocol: unknown message type %q: %w", m.Type, ErrUnexpectedMessage))
			s.setPhase(PhaseClosing)
			return
		}
	}
}

func (s *Session) replyError(ctx context.Context, code, detail string) {
	buf, err := message.Encode(message.TypeError, message.ErrorPayload{Code: code, Detail: detail})
	if err != nil {
		return
	}
	_ = s.sendRaw(ctx, buf)
}
