package carrier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"arqnet/pkg/frame"
	"arqnet/pkg/metrics"
)

// newListener opens the plain TCP listener the HTTP(S) server serves on;
// ServeTLS wraps it with TLS itself when certificates are configured.
func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// clientIDHeader carries the stable client identifier the HTTPS/OBFS carrier
// uses to key per-client inbox/outbox queues.
const clientIDHeader = "X-Client-Id"

// ClientAddr identifies an HTTPS/OBFS carrier peer by its client identifier.
type ClientAddr struct{ ID string }

func (a ClientAddr) String() string { return a.ID }

// ServerAddr is the single logical peer address an HTTPSClientCarrier talks
// to: the server it tunnels through.
type ServerAddr struct{}

func (ServerAddr) String() string { return "https-server" }

// ---- server side -----------------------------------------------------

// HTTPSServerConfig configures the server-side OBFS carrier.
type HTTPSServerConfig struct {
	ListenAddr string
	CertFile   string // optional; when set with KeyFile, serves TLS
	KeyFile    string
	QueueLimit int // per-client inbox/outbox bound; default 64
}

type clientQueues struct {
	inbox  chan []byte
	outbox chan []byte
}

// HTTPSServerCarrier implements Carrier by exposing POST /data and POST
// /poll over HTTP(S), fanning inbound frames from every client into a single
// receive stream and draining at most one queued frame per client response.
type HTTPSServerCarrier struct {
	cfg     HTTPSServerConfig
	log     *logrus.Entry
	metrics *metrics.Collector

	srv *http.Server

	mu      sync.Mutex
	clients map[string]*clientQueues
	merged  chan taggedFrame

	closeCh   chan struct{}
	closeOnce sync.Once
}

type taggedFrame struct {
	clientID string
	frame    []byte
}

// NewHTTPSServerCarrier starts listening per cfg and returns the carrier. m
// may be nil, in which case no queue-depth metrics are recorded.
func NewHTTPSServerCarrier(cfg HTTPSServerConfig, log *logrus.Entry, m *metrics.Collector) (*HTTPSServerCarrier, error) {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 64
	}

	h := &HTTPSServerCarrier{
		cfg:     cfg,
		log:     log,
		metrics: m,
		clients: make(map[string]*clientQueues),
		merged:  make(chan taggedFrame, cfg.QueueLimit),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/data", h.handleData)
	mux.HandleFunc("/poll", h.handlePoll)
	h.srv = &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	ln, err := newListener(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("carrier: listen %q: %w", cfg.ListenAddr, err)
	}

	go func() {
		var serveErr error
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			serveErr = h.srv.ServeTLS(ln, cfg.CertFile, cfg.KeyFile)
		} else {
			serveErr = h.srv.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.WithError(serveErr).Error("carrier: https server stopped")
		}
	}()

	return h, nil
}

func (h *HTTPSServerCarrier) clientQueuesFor(id string) *clientQueues {
	h.mu.Lock()
	defer h.mu.Unlock()

	if q, ok := h.clients[id]; ok {
		return q
	}
	q := &clientQueues{
		inbox:  make(chan []byte, h.cfg.QueueLimit),
		outbox: make(chan []byte, h.cfg.QueueLimit),
	}
	h.clients[id] = q

	go func() {
		for {
			select {
			case f, ok := <-q.inbox:
				if !ok {
					return
				}
				select {
				case h.merged <- taggedFrame{clientID: id, frame: f}:
				case <-h.closeCh:
					return
				}
			case <-h.closeCh:
				return
			}
		}
	}()

	return q
}

func (h *HTTPSServerCarrier) handleData(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(clientIDHeader)
	if clientID == "" {
		http.Error(w, "missing "+clientIDHeader, http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(frame.HeaderSize+frame.MaxPayload)))
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	q := h.clientQueuesFor(clientID)
	select {
	case q.inbox <- body:
		h.metrics.SetCarrierQueueDepth(clientID, "inbox", len(q.inbox))
	default:
		h.log.WithField("client_id", clientID).Warn("carrier: inbox full, rejecting frame")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	h.writeOutbound(clientID, w, q)
}

func (h *HTTPSServerCarrier) handlePoll(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(clientIDHeader)
	if clientID == "" {
		http.Error(w, "missing "+clientIDHeader, http.StatusBadRequest)
		return
	}
	q := h.clientQueuesFor(clientID)
	h.writeOutbound(clientID, w, q)
}

func (h *HTTPSServerCarrier) writeOutbound(clientID string, w http.ResponseWriter, q *clientQueues) {
	select {
	case f := <-q.outbox:
		h.metrics.SetCarrierQueueDepth(clientID, "outbox", len(q.outbox))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(f)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (h *HTTPSServerCarrier) Send(ctx context.Context, f []byte, peer Addr) error {
	clientAddr, ok := peer.(ClientAddr)
	if !ok {
		return fmt.Errorf("carrier: peer %v is not a ClientAddr", peer)
	}
	q := h.clientQueuesFor(clientAddr.ID)
	select {
	case q.outbox <- f:
		h.metrics.SetCarrierQueueDepth(clientAddr.ID, "outbox", len(q.outbox))
		return nil
	default:
		h.log.WithField("client_id", clientAddr.ID).Warn("carrier: outbox full, dropping frame")
		return fmt.Errorf("%w: outbox full for client %s", ErrCarrierUnavailable, clientAddr.ID)
	}
}

func (h *HTTPSServerCarrier) Recv(ctx context.Context, timeout time.Duration) ([]byte, Addr, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case tf := <-h.merged:
		return tf.frame, ClientAddr{ID: tf.clientID}, nil
	case <-timer.C:
		return nil, nil, ErrTimeout
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("%w: %v", ErrCarrierUnavailable, ctx.Err())
	case <-h.closeCh:
		return nil, nil, ErrCarrierClosed
	}
}

func (h *HTTPSServerCarrier) Close() error {
	h.closeOnce.Do(func() { close(h.closeCh) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.srv.Shutdown(ctx)
}

// ---- client side -------------------------------------------------------

// HTTPSClientConfig configures the client-side OBFS carrier.
type HTTPSClientConfig struct {
	ServerURL    string // e.g. "http://host:port" or "https://host:port"
	ClientID     string // minted via xid if empty
	PollInterval time.Duration
	HTTPClient   *http.Client // optional override, e.g. for custom TLS config
}

// HTTPSClientCarrier implements Carrier against an HTTPSServerCarrier,
// piggy-backing inbound frames on its own POST /data responses and draining
// the server->client queue with a background POST /poll loop.
type HTTPSClientCarrier struct {
	cfg        HTTPSClientConfig
	httpClient *http.Client
	log        *logrus.Entry

	incoming  chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewHTTPSClientCarrier constructs a client carrier and starts its
// background poll loop.
func NewHTTPSClientCarrier(cfg HTTPSClientConfig, log *logrus.Entry) *HTTPSClientCarrier {
	if cfg.ClientID == "" {
		cfg.ClientID = xid.New().String()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	c := &HTTPSClientCarrier{
		cfg:        cfg,
		httpClient: cfg.HTTPClient,
		log:        log,
		incoming:   make(chan []byte, 64),
		closeCh:    make(chan struct{}),
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	go c.pollLoop()
	return c
}

func (c *HTTPSClientCarrier) pollLoop() {
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-t.C:
			f, err := c.roundTrip(context.Background(), "/poll", nil)
			if err != nil {
				c.log.WithError(err).Debug("carrier: poll failed")
				continue
			}
			c.deliver(f)
		}
	}
}

func (c *HTTPSClientCarrier) deliver(f []byte) {
	if f == nil {
		return
	}
	select {
	case c.incoming <- f:
	default:
		c.log.Warn("carrier: incoming queue full, dropping polled frame")
	}
}

func (c *HTTPSClientCarrier) roundTrip(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCarrierUnavailable, err)
	}
	req.Header.Set(clientIDHeader, c.cfg.ClientID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCarrierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("%w: server inbox full", ErrCarrierUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrCarrierUnavailable, resp.StatusCode)
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCarrierUnavailable, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (c *HTTPSClientCarrier) Send(ctx context.Context, f []byte, _ Addr) error {
	resp, err := c.roundTrip(ctx, "/data", f)
	if err != nil {
		return err
	}
	c.deliver(resp)
	return nil
}

func (c *HTTPSClientCarrier) Recv(ctx context.Context, timeout time.Duration) ([]byte, Addr, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-c.incoming:
		return f, ServerAddr{}, nil
	case <-timer.C:
		return nil, nil, ErrTimeout
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("%w: %v", ErrCarrierUnavailable, ctx.Err())
	case <-c.closeCh:
		return nil, nil, ErrCarrierClosed
	}
}

func (c *HTTPSClientCarrier) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}
