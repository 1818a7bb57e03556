// Package relay mirrors conversation frames between chat nodes over Redis
// pub/sub so subscribers connected to different nodes see the same traffic.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"family-chat-service/internal/observability"
)

const publishQueueSize = 1024

type envelope struct {
	Origin         string          `json:"origin"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
}

// DeliverFunc hands a frame from another node to local subscribers.
type DeliverFunc func(conversationID string, payload []byte)

// RedisRelay publishes local frames to a Redis channel and delivers frames
// published by other nodes.
type RedisRelay struct {
	client  *redis.Client
	channel string
	nodeID  string
	queue   chan envelope
	done    chan struct{}
}

// NewRedisRelay connects to url and verifies the connection.
func NewRedisRelay(ctx context.Context, url, channel string) (*RedisRelay, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return newRelay(client, channel), nil
}

func newRelay(client *redis.Client, channel string) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		nodeID:  uuid.NewString(),
		queue:   make(chan envelope, publishQueueSize),
		done:    make(chan struct{}),
	}
}

// NodeID identifies this process in relayed envelopes.
func (r *RedisRelay) NodeID() string {
	return r.nodeID
}

// Publish queues a frame for other nodes. It drops the frame when the queue
// is full rather than blocking the caller.
func (r *RedisRelay) Publish(conversationID string, payload []byte) {
	env := envelope{Origin: r.nodeID, ConversationID: conversationID, Payload: payload}
	select {
	case r.queue <- env:
	default:
		observability.IncRelayEvent("out", "dropped")
	}
}

// Run forwards queued frames to Redis and delivers foreign frames until ctx
// is done.
func (r *RedisRelay) Run(ctx context.Context, deliver DeliverFunc) {
	defer close(r.done)
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	go r.publishLoop(ctx)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			env, err := decode(msg.Payload)
			if err != nil {
				log.Printf("relay decode failed: %v", err)
				observability.IncRelayEvent("in", "invalid")
				continue
			}
			if env.Origin == r.nodeID {
				continue
			}
			deliver(env.ConversationID, env.Payload)
			observability.IncRelayEvent("in", "delivered")
		}
	}
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.queue:
			body, err := json.Marshal(env)
			if err != nil {
				observability.IncRelayEvent("out", "invalid")
				continue
			}
			if err := r.client.Publish(ctx, r.channel, body).Err(); err != nil {
				log.Printf("relay publish failed conversation_id=%s: %v", env.ConversationID, err)
				observability.IncRelayEvent("out", "error")
				continue
			}
			observability.IncRelayEvent("out", "sent")
		}
	}
}

// Close waits for Run to return (after its context is cancelled) and closes
// the client.
func (r *RedisRelay) Close() error {
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
	}
	return r.client.Close()
}

func decode(raw string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return envelope{}, err
	}
	if env.ConversationID == "" || len(env.Payload) == 0 {
		return envelope{}, fmt.Errorf("incomplete envelope")
	}
	return env, nil
}
