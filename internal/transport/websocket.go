package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
)

// Path is where WebSocket serves its upgrade handler.
const Path = "/aura"

// frame is the wire unit. The first frame on a connection is a hello that
// names the dialing device.
type frame struct {
	From    ids.DeviceID `json:"from"`
	Hello   bool         `json:"hello,omitempty"`
	Payload []byte       `json:"payload,omitempty"`
}

// WebSocketConfig tunes a WebSocket transport.
type WebSocketConfig struct {
	// SendRate and SendBurst pace writes to each peer.
	SendRate  rate.Limit
	SendBurst int

	HandshakeTimeout time.Duration
	MaxMessageSize   int64
}

// DefaultWebSocketConfig returns the defaults used by the binary.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		SendRate:         rate.Limit(200),
		SendBurst:        50,
		HandshakeTimeout: 5 * time.Second,
		MaxMessageSize:   1 << 20,
	}
}

type wsPeer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
}

// WebSocket is NetworkEffects over gorilla/websocket connections. Each
// device listens on one address; peers are dialed on first send.
type WebSocket struct {
	self     ids.DeviceID
	cfg      WebSocketConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	dialer   websocket.Dialer
	inbox    *inbox
	events   *peerEvents

	mu     sync.Mutex
	addrs  map[ids.DeviceID]string
	peers  map[ids.DeviceID]*wsPeer
	server *http.Server
	closed bool
}

// NewWebSocket creates a transport for self.
func NewWebSocket(self ids.DeviceID, cfg WebSocketConfig, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		self:   self,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		inbox:  newInbox(),
		events: newPeerEvents(),
		addrs:  map[ids.DeviceID]string{},
		peers:  map[ids.DeviceID]*wsPeer{},
	}
}

// AddPeer records the URL a peer listens on.
func (w *WebSocket) AddPeer(peer ids.DeviceID, url string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addrs[peer] = url
}

// Listen serves the upgrade handler on addr and returns the URL peers
// should dial.
func (w *WebSocket) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(Path, w)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: w.cfg.HandshakeTimeout}
	w.mu.Lock()
	w.server = srv
	w.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("websocket server stopped", "error", err)
		}
	}()
	return "ws://" + ln.Addr().String() + Path, nil
}

// ServeHTTP accepts an inbound peer connection.
func (w *WebSocket) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(w.cfg.MaxMessageSize)
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil || !hello.Hello || hello.From.IsZero() {
		w.logger.Warn("websocket peer sent no hello", "remote", r.RemoteAddr)
		_ = conn.Close()
		return
	}
	w.attach(hello.From, conn)
}

// Dial connects to peer's recorded URL.
func (w *WebSocket) Dial(ctx context.Context, peer ids.DeviceID) error {
	w.mu.Lock()
	url, ok := w.addrs[peer]
	w.mu.Unlock()
	if !ok {
		return faults.PeerUnreachable(peer.String(), errors.New("no address"))
	}
	conn, _, err := w.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return faults.PeerUnreachable(peer.String(), err)
	}
	conn.SetReadLimit(w.cfg.MaxMessageSize)
	if err := conn.WriteJSON(frame{From: w.self, Hello: true}); err != nil {
		_ = conn.Close()
		return faults.PeerUnreachable(peer.String(), err)
	}
	w.attach(peer, conn)
	return nil
}

// attach registers conn for writes unless peer already has one, and reads
// from it until it fails.
func (w *WebSocket) attach(peer ids.DeviceID, conn *websocket.Conn) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close()
		return
	}
	_, had := w.peers[peer]
	if !had {
		w.peers[peer] = &wsPeer{conn: conn, limiter: rate.NewLimiter(w.cfg.SendRate, w.cfg.SendBurst)}
	}
	w.mu.Unlock()
	if !had {
		w.logger.Debug("peer connected", "peer", peer)
		w.events.publish(effects.PeerEvent{Peer: peer, Kind: effects.PeerConnected})
	}
	go w.readLoop(peer, conn)
}

func (w *WebSocket) readLoop(peer ids.DeviceID, conn *websocket.Conn) {
	defer w.detach(peer, conn)
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Debug("peer connection lost", "peer", peer, "error", err)
			}
			return
		}
		if f.From != peer {
			w.logger.Warn("frame sender does not match connection", "peer", peer, "claimed", f.From)
			continue
		}
		w.inbox.deliver(peer, f.Payload)
	}
}

func (w *WebSocket) detach(peer ids.DeviceID, conn *websocket.Conn) {
	_ = conn.Close()
	w.mu.Lock()
	p, ok := w.peers[peer]
	owned := ok && p.conn == conn
	if owned {
		delete(w.peers, peer)
	}
	w.mu.Unlock()
	if owned {
		w.events.publish(effects.PeerEvent{Peer: peer, Kind: effects.PeerDisconnected})
	}
}

func (w *WebSocket) peer(ctx context.Context, id ids.DeviceID) (*wsPeer, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, faults.EndpointClosed("transport closed")
	}
	p, ok := w.peers[id]
	w.mu.Unlock()
	if ok {
		return p, nil
	}
	if err := w.Dial(ctx, id); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok = w.peers[id]; !ok {
		return nil, faults.PeerUnreachable(id.String(), errNotConnected)
	}
	return p, nil
}

func (w *WebSocket) SendToPeer(ctx context.Context, peer ids.DeviceID, msg []byte) error {
	p, err := w.peer(ctx, peer)
	if err != nil {
		return err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	p.writeMu.Lock()
	err = p.conn.WriteJSON(frame{From: w.self, Payload: msg})
	p.writeMu.Unlock()
	if err != nil {
		w.detach(peer, p.conn)
		return faults.PeerUnreachable(peer.String(), err)
	}
	return nil
}

func (w *WebSocket) Broadcast(ctx context.Context, msg []byte) error {
	var errs []error
	for _, p := range w.ConnectedPeers(ctx) {
		errs = append(errs, w.SendToPeer(ctx, p, msg))
	}
	return errors.Join(errs...)
}

func (w *WebSocket) Receive(ctx context.Context) (effects.Inbound, error) {
	return w.inbox.receive(ctx)
}

func (w *WebSocket) ReceiveFrom(ctx context.Context, peer ids.DeviceID) ([]byte, error) {
	return w.inbox.receiveFrom(ctx, peer)
}

func (w *WebSocket) ConnectedPeers(context.Context) []ids.DeviceID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ids.DeviceID, 0, len(w.peers))
	for d := range w.peers {
		out = append(out, d)
	}
	slices.SortFunc(out, ids.CompareDevices)
	return out
}

func (w *WebSocket) IsPeerConnected(_ context.Context, peer ids.DeviceID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.peers[peer]
	return ok
}

func (w *WebSocket) SubscribeToPeerEvents(ctx context.Context) (<-chan effects.PeerEvent, error) {
	return w.events.subscribe(ctx), nil
}

// Close stops the listener and drops every connection.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	srv := w.server
	conns := make([]*websocket.Conn, 0, len(w.peers))
	for _, p := range w.peers {
		conns = append(conns, p.conn)
	}
	w.mu.Unlock()

	var errs []error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		errs = append(errs, srv.Shutdown(ctx))
	}
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.Close()
	}
	w.inbox.close()
	w.events.closeAll()
	return errors.Join(errs...)
}
