// Package natsbridge accepts job submissions over NATS request/reply and
// fans orchestrator events out on a subject.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/3leaps/audioq/pkg/job"
	"github.com/3leaps/audioq/pkg/orchestrator"
)

// Default subjects.
const (
	DefaultSubmitSubject = "audioq.jobs.submit"
	DefaultEventsSubject = "audioq.events"
)

// Enqueuer accepts validated job requests.
type Enqueuer interface {
	Enqueue(req job.Request) (int64, error)
}

// Reply answers a submission. Exactly one of JobID or Error is set.
type Reply struct {
	JobID int64  `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
	Field string `json:"field,omitempty"`
}

// Config names the subjects.
type Config struct {
	SubmitSubject string
	EventsSubject string
}

// Bridge connects a NATS connection to the orchestrator.
type Bridge struct {
	nc     *nats.Conn
	cfg    Config
	queue  Enqueuer
	logger *zap.Logger
}

// New returns a bridge with default subjects filled in.
func New(nc *nats.Conn, cfg Config, queue Enqueuer, logger *zap.Logger) *Bridge {
	if cfg.SubmitSubject == "" {
		cfg.SubmitSubject = DefaultSubmitSubject
	}
	if cfg.EventsSubject == "" {
		cfg.EventsSubject = DefaultEventsSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{nc: nc, cfg: cfg, queue: queue, logger: logger}
}

// Run serves submissions until ctx is done, then drains the subscription.
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.nc.Subscribe(b.cfg.SubmitSubject, b.handleSubmit)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.cfg.SubmitSubject, err)
	}
	b.logger.Info("Listening for NATS submissions", zap.String("subject", b.cfg.SubmitSubject))

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain subscription: %w", err)
	}
	return nil
}

func (b *Bridge) handleSubmit(msg *nats.Msg) {
	var req job.Request
	reply := Reply{}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		reply.Error = "invalid request: " + err.Error()
	} else if id, err := b.queue.Enqueue(req); err != nil {
		reply.Error = err.Error()
		var verr *job.ValidationError
		if errors.As(err, &verr) {
			reply.Field = verr.Field
		}
	} else {
		reply.JobID = id
	}

	if reply.Error != "" {
		b.logger.Warn("Rejected NATS submission", zap.String("error", reply.Error))
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		b.logger.Error("Failed to encode reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Error("Failed to send reply", zap.Error(err))
	}
}

// PublishEvent forwards one orchestrator event. It is meant to be passed to
// EventBus.Subscribe.
func (b *Bridge) PublishEvent(e orchestrator.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("Failed to encode event", zap.Error(err))
		return
	}
	if err := b.nc.Publish(b.cfg.EventsSubject, data); err != nil {
		b.logger.Debug("Failed to publish event", zap.Int64("seq", e.Seq), zap.Error(err))
	}
}
