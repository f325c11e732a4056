// Package eventbus fans session events out to live transports and buffers
// them while no transport is attached.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"familyhub/internal/health"
	"familyhub/internal/logging"
	"familyhub/internal/metrics"
	"familyhub/internal/models"
	"familyhub/internal/store"
	"github.com/google/uuid"
)

var log = logging.Component("eventbus")

// DefaultBufferCap bounds the per-session buffer
const DefaultBufferCap = 100

// BufferKeyPrefix prefixes the cache-store mirror of a session buffer
const BufferKeyPrefix = "event_buffer:"

const mirrorTTL = time.Hour

// Transport is a push channel to one client. Send may fail at any time.
type Transport interface {
	Send(text string) error
}

type registration struct {
	id        string
	userID    string
	transport Transport
}

// sessionChannel is guarded by its own mutex, which is also held while
// sending so events reach transports in emission order
type sessionChannel struct {
	mu          sync.Mutex
	subscribers map[string]struct{}
	transports  []registration
	buffer      []models.Event
}

// Bus is the per-session event fan-out
type Bus struct {
	mu       sync.RWMutex
	sessions map[string]*sessionChannel

	bufferCap int
	kv        store.KeyValueStore
	relay     *RedisRelay
	breaker   *health.CircuitBreaker
	metrics   *metrics.Metrics
}

// Options configure a Bus
type Options struct {
	BufferCap int
	KV        store.KeyValueStore // optional buffer mirror
	Breaker   *health.CircuitBreaker
	Metrics   *metrics.Metrics
}

// New creates an event bus
func New(opts Options) *Bus {
	if opts.BufferCap <= 0 {
		opts.BufferCap = DefaultBufferCap
	}
	return &Bus{
		sessions:  make(map[string]*sessionChannel),
		bufferCap: opts.BufferCap,
		kv:        opts.KV,
		breaker:   opts.Breaker,
		metrics:   opts.Metrics,
	}
}

// AttachRelay forwards every emitted event to other instances and delivers
// their events to local transports
func (b *Bus) AttachRelay(relay *RedisRelay) {
	b.mu.Lock()
	b.relay = relay
	b.mu.Unlock()
	relay.onEvent = b.deliverRemote
}

func (b *Bus) channel(sessionID string, create bool) *sessionChannel {
	b.mu.RLock()
	ch, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if ok || !create {
		return ch
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok = b.sessions[sessionID]; ok {
		return ch
	}
	ch = &sessionChannel{subscribers: make(map[string]struct{})}
	b.sessions[sessionID] = ch
	return ch
}

// EmitEvent buffers the event when the session has no live transport and
// otherwise sends it to every transport, pruning the ones that fail
func (b *Bus) EmitEvent(event models.Event) {
	text, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Warn("⚠️  [EVENTBUS] Failed to encode event")
		return
	}

	ch := b.channel(event.SessionID, true)
	ch.mu.Lock()
	if len(ch.transports) == 0 {
		dropped := ch.push(event, b.bufferCap)
		snapshot := append([]models.Event(nil), ch.buffer...)
		ch.mu.Unlock()

		for i := 0; i < dropped; i++ {
			b.metrics.RecordEventDropped()
		}
		b.mirror(event.SessionID, snapshot)
	} else {
		b.fanOut(event.SessionID, ch, string(text))
		ch.mu.Unlock()
	}

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay != nil {
		relay.Publish(event)
	}
}

// push appends to the buffer, dropping the oldest events over cap
func (ch *sessionChannel) push(event models.Event, bufferCap int) int {
	ch.buffer = append(ch.buffer, event)
	over := len(ch.buffer) - bufferCap
	if over <= 0 {
		return 0
	}
	kept := make([]models.Event, bufferCap)
	copy(kept, ch.buffer[over:])
	ch.buffer = kept
	return over
}

// fanOut sends text to every transport. Caller holds ch.mu.
func (b *Bus) fanOut(sessionID string, ch *sessionChannel, text string) {
	live := ch.transports[:0]
	for _, reg := range ch.transports {
		if err := b.send(reg, text); err != nil {
			log.WithFields(map[string]interface{}{
				"session_id":   sessionID,
				"transport_id": reg.id,
			}).WithError(err).Warn("🔌 [EVENTBUS] Pruning failed transport")
			continue
		}
		live = append(live, reg)
	}
	for i := len(live); i < len(ch.transports); i++ {
		ch.transports[i] = registration{}
	}
	ch.transports = live
}

func (b *Bus) send(reg registration, text string) error {
	err := reg.transport.Send(text)
	if b.breaker != nil {
		if err != nil {
			b.breaker.RecordFailure()
		} else {
			b.breaker.RecordSuccess()
		}
	}
	if err == nil {
		b.metrics.RecordWebSocketMessage("event", "outbound")
	}
	return err
}

// RegisterTransport attaches a transport to a session and flushes the buffer
// to it in emission order. The first failed send aborts the flush, drops the
// remaining buffered events and detaches the transport.
func (b *Bus) RegisterTransport(sessionID, userID string, transport Transport) string {
	reg := registration{id: uuid.New().String(), userID: userID, transport: transport}

	ch := b.channel(sessionID, true)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.subscribers[userID] = struct{}{}
	pending := ch.buffer
	ch.buffer = nil
	if len(pending) > 0 {
		b.clearMirror(sessionID)
	}

	for i, event := range pending {
		text, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if err := b.send(reg, string(text)); err != nil {
			log.WithFields(map[string]interface{}{
				"session_id": sessionID,
				"flushed":    i,
				"dropped":    len(pending) - i,
			}).WithError(err).Warn("⚠️  [EVENTBUS] Flush aborted")
			return reg.id
		}
	}

	ch.transports = append(ch.transports, reg)
	log.WithFields(map[string]interface{}{
		"session_id": sessionID,
		"user_id":    userID,
		"flushed":    len(pending),
		"transports": len(ch.transports),
	}).Debug("[EVENTBUS] Transport registered")
	return reg.id
}

// UnregisterTransport detaches one transport. Later events buffer again once
// the last transport is gone.
func (b *Bus) UnregisterTransport(sessionID, transportID string) {
	ch := b.channel(sessionID, false)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i, reg := range ch.transports {
		if reg.id == transportID {
			ch.transports = append(ch.transports[:i], ch.transports[i+1:]...)
			return
		}
	}
}

// DropSession forgets a session's transports, subscribers and buffer
func (b *Bus) DropSession(sessionID string) {
	b.mu.Lock()
	_, ok := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if ok {
		b.clearMirror(sessionID)
	}
}

// TransportCount returns the live transports of a session
func (b *Bus) TransportCount(sessionID string) int {
	ch := b.channel(sessionID, false)
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.transports)
}

// ConnectionCount returns live transports across all sessions
func (b *Bus) ConnectionCount() int {
	b.mu.RLock()
	channels := make([]*sessionChannel, 0, len(b.sessions))
	for _, ch := range b.sessions {
		channels = append(channels, ch)
	}
	b.mu.RUnlock()

	total := 0
	for _, ch := range channels {
		ch.mu.Lock()
		total += len(ch.transports)
		ch.mu.Unlock()
	}
	return total
}

// Subscribers returns the user ids that ever attached to a session
func (b *Bus) Subscribers(sessionID string) []string {
	ch := b.channel(sessionID, false)
	if ch == nil {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	users := make([]string, 0, len(ch.subscribers))
	for u := range ch.subscribers {
		users = append(users, u)
	}
	return users
}

// Buffered returns a copy of the events waiting for a transport
func (b *Bus) Buffered(sessionID string) []models.Event {
	ch := b.channel(sessionID, false)
	if ch == nil {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]models.Event(nil), ch.buffer...)
}

func (b *Bus) mirror(sessionID string, events []models.Event) {
	if b.kv == nil {
		return
	}
	data, err := json.Marshal(events)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.kv.Set(ctx, BufferKeyPrefix+sessionID, string(data), mirrorTTL); err != nil {
		log.WithError(err).Debug("[EVENTBUS] Buffer mirror write failed")
	}
}

func (b *Bus) clearMirror(sessionID string) {
	if b.kv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.kv.Delete(ctx, BufferKeyPrefix+sessionID); err != nil {
		log.WithError(err).Debug("[EVENTBUS] Buffer mirror delete failed")
	}
}

// RestoreBuffer reloads a mirrored buffer, used when a session is rebuilt on
// this instance. Events already buffered locally are kept after the mirror.
func (b *Bus) RestoreBuffer(ctx context.Context, sessionID string) (int, error) {
	if b.kv == nil {
		return 0, nil
	}
	raw, err := b.kv.Get(ctx, BufferKeyPrefix+sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var events []models.Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		return 0, err
	}

	ch := b.channel(sessionID, true)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.transports) > 0 {
		return 0, nil
	}
	local := ch.buffer
	ch.buffer = nil
	for _, e := range append(events, local...) {
		ch.push(e, b.bufferCap)
	}
	return len(events), nil
}

// deliverRemote hands a relayed event to local transports only. Instances
// without a transport for the session do not buffer it.
func (b *Bus) deliverRemote(event models.Event) {
	ch := b.channel(event.SessionID, false)
	if ch == nil {
		return
	}
	text, err := json.Marshal(event)
	if err != nil {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.transports) > 0 {
		b.fanOut(event.SessionID, ch, string(text))
	}
}
