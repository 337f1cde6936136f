package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tripsage/tripsage-core/jobqueue"
	"github.com/tripsage/tripsage-core/webhook"
)

// queuePublisher adapts jobqueue.Queue to webhook.Publisher, so a Binding
// configured for durable dispatch can hand its Job straight to the durable
// queue topic named by Binding.Topic.
type queuePublisher struct {
	queue *jobqueue.Queue
}

func newQueuePublisher(queue *jobqueue.Queue) *queuePublisher {
	return &queuePublisher{queue: queue}
}

func (p *queuePublisher) Publish(ctx context.Context, topic string, job webhook.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("cmd/tripsage-server: marshal job payload: %w", err)
	}
	return p.queue.Publish(ctx, topic, job.EventKey, payload)
}
