package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encoding selects the Pub/Sub payload format.
type Encoding string

const (
	EncodingJSON  Encoding = "json"
	EncodingProto Encoding = "proto" // google.protobuf.Struct
)

// PubSub publishes records to a Cloud Pub/Sub topic, ordered by run.
type PubSub struct {
	client   *pubsub.Client
	topic    *pubsub.Topic
	encoding Encoding
	owned    bool
	logger   *slog.Logger
}

// NewPubSub connects to projectID and creates topicID if it does not exist.
func NewPubSub(ctx context.Context, projectID, topicID string, enc Encoding) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	ps, err := NewPubSubFromClient(ctx, client, topicID, enc)
	if err != nil {
		client.Close()
		return nil, err
	}
	ps.owned = true
	return ps, nil
}

// NewPubSubFromClient uses an existing client. Close does not close it.
func NewPubSubFromClient(ctx context.Context, client *pubsub.Client, topicID string, enc Encoding) (*PubSub, error) {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "component", "sink.pubsub", "topic", topicID)
	}
	topic.EnableMessageOrdering = true
	if enc == "" {
		enc = EncodingJSON
	}
	return &PubSub{
		client:   client,
		topic:    topic,
		encoding: enc,
		logger:   slog.Default().With("component", "sink.pubsub"),
	}, nil
}

func (p *PubSub) message(rec Record) (*pubsub.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	if p.encoding == EncodingProto {
		if data, err = toStruct(data); err != nil {
			return nil, err
		}
	}
	return &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id":   rec.RunID,
			"kind":     string(rec.Kind),
			"type":     rec.Type,
			"tick":     strconv.Itoa(rec.Tick),
			"encoding": string(p.encoding),
			"time":     rec.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: rec.RunID,
	}, nil
}

func toStruct(data []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("record to struct: %w", err)
	}
	return proto.Marshal(s)
}

// Write publishes the batch and waits for every server acknowledgement.
func (p *PubSub) Write(ctx context.Context, records []Record) error {
	results := make([]*pubsub.PublishResult, 0, len(records))
	for _, rec := range records {
		msg, err := p.message(rec)
		if err != nil {
			return err
		}
		results = append(results, p.topic.Publish(ctx, msg))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		// Ordered publishing halts a key after an error until resumed.
		if len(records) > 0 {
			p.topic.ResumePublish(records[0].RunID)
		}
		p.logger.Warn("publish failed", "failed", len(errs), "batch", len(records))
		return fmt.Errorf("pubsub publish: %w", errors.Join(errs...))
	}
	return nil
}

// Close flushes pending messages and closes an owned client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	if !p.owned {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// TopicPath returns the fully-qualified Pub/Sub topic path.
func (p *PubSub) TopicPath() string { return p.topic.String() }
