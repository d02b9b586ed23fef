// Package pubsub publishes scan results to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"

	"netprobe/internal/models"
	"netprobe/internal/sink"
)

// Message is the JSON body of each published result.
type Message struct {
	SessionID string            `json:"sessionId"`
	Target    string            `json:"target"`
	IP        string            `json:"ip"`
	ScanType  models.ScanType   `json:"scanType"`
	Result    models.PortResult `json:"result"`
}

// Publisher writes records to a topic.
type Publisher struct {
	topic  *pubsub.Topic
	client *pubsub.Client
}

// NewPublisher wraps an existing topic. Close stops the topic but leaves its
// client open.
func NewPublisher(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Open creates a client for projectID and a publisher for topicID. The topic
// must already exist.
func Open(ctx context.Context, projectID, topicID string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("check topic %s: %w", topicID, err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("topic %s does not exist in project %s", topicID, projectID)
	}
	return &Publisher{topic: topic, client: client}, nil
}

// Write publishes rec and waits for the server to acknowledge it.
func (p *Publisher) Write(ctx context.Context, rec sink.Record) error {
	data, err := json.Marshal(Message{
		SessionID: rec.SessionID,
		Target:    rec.Target,
		IP:        rec.IP,
		ScanType:  rec.ScanType,
		Result:    rec.Result,
	})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"session_id": rec.SessionID,
			"status":     string(rec.Result.Status),
			"scan_type":  string(rec.ScanType),
			"port":       strconv.Itoa(rec.Result.Port),
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish port %d: %w", rec.Result.Port, err)
	}
	return nil
}

// Close flushes pending messages and releases the client when Open made it.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
