package jobqueue

import (
	"context"

	"github.com/smallbiznis/drawledger/internal/clock"
)

// Publisher stamps and enqueues jobs for request handlers.
type Publisher struct {
	queue Queue
	clock clock.Clock
}

func NewPublisher(queue Queue, clk clock.Clock) *Publisher {
	if clk == nil {
		clk = clock.New()
	}
	return &Publisher{queue: queue, clock: clk}
}

func (p *Publisher) Enabled() bool {
	return p != nil && p.queue != nil
}

func (p *Publisher) Publish(ctx context.Context, jobType string, payload any) (Job, error) {
	if !p.Enabled() {
		return Job{}, ErrNotConfigured
	}
	job, err := NewJob(ctx, jobType, payload, p.clock.Now())
	if err != nil {
		return Job{}, err
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}
