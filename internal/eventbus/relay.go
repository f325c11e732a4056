package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"familyhub/internal/models"
	"familyhub/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	relayChannelPrefix = "events:session:"
	relayPattern       = relayChannelPrefix + "*"
)

// relayMessage is the envelope published between instances
type relayMessage struct {
	InstanceID string       `json:"instanceId"`
	Event      models.Event `json:"event"`
}

// RedisRelay mirrors session events across instances over Redis pub/sub so a
// client attached to one instance sees output produced on another
type RedisRelay struct {
	redis      *store.RedisStore
	instanceID string
	pubsub     *redis.PubSub
	onEvent    func(models.Event)
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewRedisRelay creates a relay for this instance
func NewRedisRelay(redisStore *store.RedisStore, instanceID string) *RedisRelay {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisRelay{
		redis:      redisStore,
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to every session channel
func (r *RedisRelay) Start() error {
	r.pubsub = r.redis.PSubscribe(r.ctx, relayPattern)
	if _, err := r.pubsub.Receive(r.ctx); err != nil {
		return err
	}
	go r.processMessages()
	log.WithField("instance_id", r.instanceID).Info("✅ [EVENTBUS] Redis relay listening")
	return nil
}

func (r *RedisRelay) processMessages() {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handleMessage(msg)
		}
	}
}

func (r *RedisRelay) handleMessage(msg *redis.Message) {
	var message relayMessage
	if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
		log.WithError(err).Warn("⚠️  [EVENTBUS] Failed to unmarshal relayed event")
		return
	}
	// skip our own publications
	if message.InstanceID == r.instanceID {
		return
	}
	if message.Event.SessionID == "" {
		message.Event.SessionID = strings.TrimPrefix(msg.Channel, relayChannelPrefix)
	}
	if r.onEvent != nil {
		r.onEvent(message.Event)
	}
}

// Publish forwards one event, best effort
func (r *RedisRelay) Publish(event models.Event) {
	data, err := json.Marshal(relayMessage{InstanceID: r.instanceID, Event: event})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, 2*time.Second)
	defer cancel()
	if err := r.redis.Publish(ctx, relayChannelPrefix+event.SessionID, data); err != nil {
		log.WithError(err).Debug("[EVENTBUS] Relay publish failed")
	}
}

// Stop closes the subscription
func (r *RedisRelay) Stop() error {
	r.cancel()
	if r.pubsub != nil {
		return r.pubsub.Close()
	}
	return nil
}
