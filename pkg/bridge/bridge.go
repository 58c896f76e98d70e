// Package bridge mirrors local broadcasts across gateway instances over
// Kafka, so clients connected to different instances share one logical
// broadcast plane. The local registry stays authoritative: remote envelopes
// are applied to local sessions only and never re-published or persisted.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type Envelope struct {
	Kind     string          `json:"kind"` // broadcast | fanout
	Origin   string          `json:"origin"`
	GroupKey string          `json:"group_key,omitempty"`
	Exclude  string          `json:"exclude,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	ChatKey        string          `json:"chat_key,omitempty"`
	UserKeys       []string        `json:"user_keys,omitempty"`
	MessagePayload json.RawMessage `json:"message_payload,omitempty"`
	NotifyPayload  json.RawMessage `json:"notify_payload,omitempty"`
}

// Applier is the local delivery surface remote envelopes are replayed
// against. *hub.Registry satisfies it.
type Applier interface {
	Broadcast(key string, payload []byte, excludeSessionID string)
	FanOut(chatKey string, userKeys []string, msgPayload, notifyPayload []byte)
}

type Bridge struct {
	origin  string
	writer  *kafka.Writer
	reader  *kafka.Reader
	applier Applier
	out     chan Envelope
	log     *slog.Logger
}

func New(brokers []string, topic string, applier Applier, log *slog.Logger) *Bridge {
	origin := uuid.NewString()
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	// Unique group per instance so every gateway sees every envelope.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "gateway-" + origin,
		StartOffset: kafka.LastOffset,
		MinBytes:    10e3,
		MaxBytes:    10e6,
	})
	return &Bridge{
		origin:  origin,
		writer:  writer,
		reader:  reader,
		applier: applier,
		out:     make(chan Envelope, 1024),
		log:     log,
	}
}

// Run drives the publish and consume loops until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	go b.publishLoop(ctx)
	for {
		m, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("bridge read failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		var env Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			b.log.Warn("bridge envelope unmarshal failed", "err", err)
			continue
		}
		b.apply(env)
	}
}

// apply replays one envelope against the local registry. Envelopes this
// instance published come back through the topic and are skipped by origin.
func (b *Bridge) apply(env Envelope) {
	if env.Origin == b.origin {
		return
	}
	switch env.Kind {
	case "broadcast":
		b.applier.Broadcast(env.GroupKey, env.Payload, env.Exclude)
	case "fanout":
		b.applier.FanOut(env.ChatKey, env.UserKeys, env.MessagePayload, env.NotifyPayload)
	default:
		b.log.Warn("bridge envelope has unknown kind", "kind", env.Kind)
	}
}

// publishLoop keeps Kafka I/O off the broadcast path.
func (b *Bridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-b.out:
			value, err := json.Marshal(env)
			if err != nil {
				b.log.Warn("bridge envelope marshal failed", "err", err)
				continue
			}
			if err := b.writer.WriteMessages(ctx, kafka.Message{Value: value, Time: time.Now()}); err != nil {
				b.log.Warn("bridge publish failed", "err", err)
			}
		}
	}
}

func (b *Bridge) enqueue(env Envelope) {
	select {
	case b.out <- env:
	default:
		b.log.Warn("bridge publish buffer full, dropping envelope", "kind", env.Kind)
	}
}

func (b *Bridge) MirrorBroadcast(_ context.Context, groupKey, excludeSessionID string, payload []byte) {
	b.enqueue(Envelope{
		Kind:     "broadcast",
		Origin:   b.origin,
		GroupKey: groupKey,
		Exclude:  excludeSessionID,
		Payload:  payload,
	})
}

func (b *Bridge) MirrorFanOut(_ context.Context, chatKey string, userKeys []string, msgPayload, notifyPayload []byte) {
	b.enqueue(Envelope{
		Kind:           "fanout",
		Origin:         b.origin,
		ChatKey:        chatKey,
		UserKeys:       userKeys,
		MessagePayload: msgPayload,
		NotifyPayload:  notifyPayload,
	})
}

func (b *Bridge) Close() error {
	if err := b.writer.Close(); err != nil {
		b.log.Warn("bridge writer close failed", "err", err)
	}
	return b.reader.Close()
}
