package transport

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
)

// inbox queues received messages until a Receive takes them.
type inbox struct {
	mu     sync.Mutex
	queue  []effects.Inbound
	signal chan struct{}
	closed bool
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{})}
}

func (b *inbox) deliver(from ids.DeviceID, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, effects.Inbound{From: from, Payload: slices.Clone(payload)})
	close(b.signal)
	b.signal = make(chan struct{})
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.signal)
	}
}

// take blocks until a message accepted by match is queued.
func (b *inbox) take(ctx context.Context, match func(effects.Inbound) bool) (effects.Inbound, error) {
	for {
		b.mu.Lock()
		for i, in := range b.queue {
			if match(in) {
				b.queue = slices.Delete(b.queue, i, i+1)
				b.mu.Unlock()
				return in, nil
			}
		}
		if b.closed {
			b.mu.Unlock()
			return effects.Inbound{}, faults.EndpointClosed("transport closed")
		}
		ch := b.signal
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return effects.Inbound{}, ctx.Err()
		}
	}
}

func (b *inbox) receive(ctx context.Context) (effects.Inbound, error) {
	return b.take(ctx, func(effects.Inbound) bool { return true })
}

func (b *inbox) receiveFrom(ctx context.Context, peer ids.DeviceID) ([]byte, error) {
	in, err := b.take(ctx, func(in effects.Inbound) bool { return in.From == peer })
	return in.Payload, err
}

// peerEvents fans connectivity changes out to subscribers.
type peerEvents struct {
	mu   sync.Mutex
	subs map[chan effects.PeerEvent]struct{}
}

func newPeerEvents() *peerEvents {
	return &peerEvents{subs: map[chan effects.PeerEvent]struct{}{}}
}

// subscribe returns a channel that is closed when ctx ends.
func (p *peerEvents) subscribe(ctx context.Context) <-chan effects.PeerEvent {
	ch := make(chan effects.PeerEvent, 16)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.subs[ch]; ok {
			delete(p.subs, ch)
			close(ch)
		}
	}()
	return ch
}

// publish drops the event for subscribers that are not keeping up.
func (p *peerEvents) publish(ev effects.PeerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (p *peerEvents) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs {
		close(ch)
		delete(p.subs, ch)
	}
}
