package events

import (
	"context"
	"encoding/json"

	"cloud.google.com/go/pubsub"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// sender publishes one message and waits for the server id.
type sender func(ctx context.Context, msg *pubsub.Message) (string, error)

// PubSubPublisher sends events to a Google Cloud Pub/Sub topic.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	send   sender
}

// NewPubSubPublisher connects to projectID and publishes to topicID. The
// topic must already exist.
func NewPubSubPublisher(ctx context.Context, projectID, topicID string) (*PubSubPublisher, error) {
	if projectID == "" || topicID == "" {
		return nil, eris.New("events: project id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "events: create pubsub client")
	}
	topic := client.Topic(topicID)
	p := &PubSubPublisher{client: client, topic: topic}
	p.send = func(ctx context.Context, msg *pubsub.Message) (string, error) {
		return topic.Publish(ctx, msg).Get(ctx)
	}
	return p, nil
}

// Publish encodes e as JSON with kind/job_type attributes.
func (p *PubSubPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "events: marshal event")
	}
	id, err := p.send(ctx, &pubsub.Message{Data: data, Attributes: e.attributes()})
	if err != nil {
		return eris.Wrapf(err, "events: publish %s for job %s", e.Kind, e.JobID)
	}
	zap.L().Debug("events: published",
		zap.String("kind", string(e.Kind)),
		zap.String("job_id", e.JobID),
		zap.String("message_id", id),
	)
	return nil
}

// Close flushes pending messages and closes the client.
func (p *PubSubPublisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client == nil {
		return nil
	}
	return eris.Wrap(p.client.Close(), "events: close pubsub client")
}
