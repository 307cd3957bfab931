// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
)

// Publisher publishes JSON payloads to Pub/Sub topics, reusing one topic handle per name.
type Publisher struct {
	client     *pubsub.Client
	attributes map[string]string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a Publisher. attributes are attached to every message.
func New(client *pubsub.Client, attributes map[string]string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	return &Publisher{
		client:     client,
		attributes: attributes,
		topics:     make(map[string]*pubsub.Topic),
	}, nil
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Publish marshals the payload to JSON and waits for the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	if len(p.attributes) > 0 {
		msg.Attributes = make(map[string]string, len(p.attributes))
		for k, v := range p.attributes {
			msg.Attributes[k] = v
		}
	}
	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages on every topic handle.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
}
