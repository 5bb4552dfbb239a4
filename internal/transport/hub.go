package transport

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
)

var errNotConnected = errors.New("not connected")

// Hub routes messages between endpoints in one process.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[ids.DeviceID]*Endpoint
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: map[ids.DeviceID]*Endpoint{}}
}

// Connect attaches device and returns its endpoint. Connecting a device
// that is already attached returns the existing endpoint.
func (h *Hub) Connect(device ids.DeviceID) *Endpoint {
	h.mu.Lock()
	if ep, ok := h.endpoints[device]; ok {
		h.mu.Unlock()
		return ep
	}
	ep := &Endpoint{hub: h, self: device, inbox: newInbox(), events: newPeerEvents()}
	others := h.peersLocked(device)
	h.endpoints[device] = ep
	h.mu.Unlock()

	for _, o := range others {
		o.events.publish(effects.PeerEvent{Peer: device, Kind: effects.PeerConnected})
	}
	return ep
}

// Disconnect detaches device. Its pending messages are discarded and
// blocked receivers fail with EndpointClosed.
func (h *Hub) Disconnect(device ids.DeviceID) {
	h.mu.Lock()
	ep, ok := h.endpoints[device]
	delete(h.endpoints, device)
	others := h.peersLocked(device)
	h.mu.Unlock()
	if !ok {
		return
	}
	ep.inbox.close()
	ep.events.closeAll()
	for _, o := range others {
		o.events.publish(effects.PeerEvent{Peer: device, Kind: effects.PeerDisconnected})
	}
}

func (h *Hub) peersLocked(except ids.DeviceID) []*Endpoint {
	out := make([]*Endpoint, 0, len(h.endpoints))
	for d, ep := range h.endpoints {
		if d != except {
			out = append(out, ep)
		}
	}
	return out
}

func (h *Hub) lookup(device ids.DeviceID) (*Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ep, ok := h.endpoints[device]
	return ep, ok
}

// Endpoint is one device's NetworkEffects on a Hub.
type Endpoint struct {
	hub    *Hub
	self   ids.DeviceID
	inbox  *inbox
	events *peerEvents
}

// Self is the device this endpoint belongs to.
func (e *Endpoint) Self() ids.DeviceID { return e.self }

func (e *Endpoint) SendToPeer(_ context.Context, peer ids.DeviceID, msg []byte) error {
	if _, ok := e.hub.lookup(e.self); !ok {
		return faults.EndpointClosed("endpoint disconnected")
	}
	dst, ok := e.hub.lookup(peer)
	if !ok {
		return faults.PeerUnreachable(peer.String(), errNotConnected)
	}
	dst.inbox.deliver(e.self, msg)
	return nil
}

func (e *Endpoint) Broadcast(ctx context.Context, msg []byte) error {
	var errs []error
	for _, p := range e.ConnectedPeers(ctx) {
		errs = append(errs, e.SendToPeer(ctx, p, msg))
	}
	return errors.Join(errs...)
}

func (e *Endpoint) Receive(ctx context.Context) (effects.Inbound, error) {
	return e.inbox.receive(ctx)
}

func (e *Endpoint) ReceiveFrom(ctx context.Context, peer ids.DeviceID) ([]byte, error) {
	return e.inbox.receiveFrom(ctx, peer)
}

func (e *Endpoint) ConnectedPeers(context.Context) []ids.DeviceID {
	e.hub.mu.RLock()
	defer e.hub.mu.RUnlock()
	out := make([]ids.DeviceID, 0, len(e.hub.endpoints))
	for d := range e.hub.endpoints {
		if d != e.self {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, ids.CompareDevices)
	return out
}

func (e *Endpoint) IsPeerConnected(_ context.Context, peer ids.DeviceID) bool {
	_, ok := e.hub.lookup(peer)
	return ok && peer != e.self
}

func (e *Endpoint) SubscribeToPeerEvents(ctx context.Context) (<-chan effects.PeerEvent, error) {
	return e.events.subscribe(ctx), nil
}
