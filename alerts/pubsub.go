package alerts

import (
	"context"
	"encoding/json"
	"errors"

	"cloud.google.com/go/pubsub"
)

// PubSubPublisher publishes one JSON message per appended violation.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubPublisher(topic *pubsub.Topic) *PubSubPublisher {
	return &PubSubPublisher{topic: topic}
}

func (p *PubSubPublisher) Publish(ctx context.Context, violations []Violation) error {
	results := make([]*pubsub.PublishResult, 0, len(violations))
	for _, v := range violations {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		attrs := map[string]string{"rule": v.Rule}
		results = append(results, p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
