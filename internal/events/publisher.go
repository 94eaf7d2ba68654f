// Package events publishes run lifecycle events on NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
)

const (
	runStreamName    = "RUNS"
	runSubjects      = "run.>"
	runStartedPrefix = "run.started."
	runDonePrefix    = "run.completed."
	streamMaxAge     = 7 * 24 * time.Hour
	operationTimeout = 30 * time.Second
)

// Kind identifies a run lifecycle event
type Kind string

const (
	KindStarted   Kind = "started"
	KindCompleted Kind = "completed"
)

// RunEvent is the JSON payload published for each lifecycle change
type RunEvent struct {
	Kind       Kind             `json:"kind"`
	JobID      string           `json:"job_id"`
	JobName    string           `json:"job_name"`
	RunID      string           `json:"run_id"`
	Status     model.RunStatus  `json:"status"`
	StopReason model.StopReason `json:"stop_reason,omitempty"`
	CostUSD    float64          `json:"cost_usd"`
	DurationMS int64            `json:"duration_ms"`
	Error      string           `json:"error,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Publisher writes run events to the RUNS stream
type Publisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewPublisher creates the RUNS stream if needed and returns a publisher
func NewPublisher(js nats.JetStreamContext, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{
		js:     js,
		logger: logger.Named("events"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := p.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return p, nil
}

func (p *Publisher) setupStream(ctx context.Context) error {
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:     runStreamName,
		Subjects: []string{runSubjects},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			p.logger.Info("Stream already exists", zap.String("stream", runStreamName))
			return nil
		}
		return err
	}

	p.logger.Info("Stream created successfully", zap.String("stream", runStreamName))
	return nil
}

// RunStarted publishes run.started.<job_id>
func (p *Publisher) RunStarted(ctx context.Context, job *model.Job, run *model.Run) error {
	return p.publish(ctx, runStartedPrefix+job.ID, newRunEvent(KindStarted, job, run))
}

// RunCompleted publishes run.completed.<job_id>
func (p *Publisher) RunCompleted(ctx context.Context, job *model.Job, run *model.Run) error {
	return p.publish(ctx, runDonePrefix+job.ID, newRunEvent(KindCompleted, job, run))
}

func (p *Publisher) publish(ctx context.Context, subject string, ev RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}

	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		p.logger.Error("Failed to publish run event",
			zap.String("subject", subject),
			zap.String("run_id", ev.RunID),
			zap.Error(err))
		return err
	}

	p.logger.Debug("Run event published",
		zap.String("subject", subject),
		zap.String("run_id", ev.RunID))
	return nil
}

// Subscribe delivers completed-run events until ctx is done
func (p *Publisher) Subscribe(ctx context.Context, handler func(RunEvent)) error {
	sub, err := p.js.Subscribe(runDonePrefix+"*", func(msg *nats.Msg) {
		var ev RunEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			p.logger.Error("Failed to unmarshal run event", zap.Error(err))
			msg.Term()
			return
		}

		handler(ev)
		msg.Ack()
	}, nats.DeliverNew())
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}

func newRunEvent(kind Kind, job *model.Job, run *model.Run) RunEvent {
	ev := RunEvent{
		Kind:       kind,
		JobID:      job.ID,
		JobName:    job.Name,
		RunID:      run.ID,
		Status:     run.Status,
		StopReason: run.StopReason,
		CostUSD:    run.CostUSD,
		DurationMS: run.DurationMS,
		Error:      run.Error,
		Timestamp:  run.StartedAt,
	}
	if run.CompletedAt != nil {
		ev.Timestamp = *run.CompletedAt
	}
	return ev
}
