// Package events publishes order lifecycle events downstream: to the durable
// outbox, from the outbox to a broker, or straight from the bus to a broker.
package events

import (
	"context"
	"sort"

	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/domain/outboxstore"
)

// Header is one message header.
type Header struct {
	Key   string
	Value string
}

// Message is a broker-agnostic record ready for publication.
type Message struct {
	Topic   string
	Key     string
	Type    string
	Value   []byte
	Headers []Header
}

// Sink delivers messages to a downstream broker.
type Sink interface {
	Name() string
	Publish(ctx context.Context, msgs ...Message) error
	Close() error
}

// MessageFromEntry converts an outbox entry to a sink message.
func MessageFromEntry(entry outboxstore.Entry) Message {
	headers := make([]Header, 0, len(entry.Headers)+1)
	headers = append(headers, Header{Key: "event_type", Value: entry.EventType})
	keys := make([]string, 0, len(entry.Headers))
	for k := range entry.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		headers = append(headers, Header{Key: k, Value: entry.Headers[k]})
	}
	return Message{
		Topic:   entry.Topic,
		Key:     entry.Key,
		Type:    entry.EventType,
		Value:   entry.Payload,
		Headers: headers,
	}
}

// MessageFromEvent encodes an order event for topic.
func MessageFromEvent(topic string, evt order.Event) (Message, error) {
	entry, err := outboxstore.EntryFromEvent(topic, evt)
	if err != nil {
		return Message{}, err
	}
	return MessageFromEntry(entry), nil
}
