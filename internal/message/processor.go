// Package message owns the asynchronous message pipeline: a raw doctor input
// (audio, text or image reference) is transcribed, cleaned and de-identified
// by three opaque services, with bounded retries per stage and an explicit
// FAILED terminal state.
package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transcriber converts a raw payload reference into transcript text.
type Transcriber interface {
	Transcribe(ctx context.Context, payloadRef string, kind PayloadKind) (string, error)
}

// Cleaner normalizes grammar and disfluencies in a transcript.
type Cleaner interface {
	Clean(ctx context.Context, transcript string) (string, error)
}

// Deidentifier redacts personally identifying spans from a transcript.
type Deidentifier interface {
	Deidentify(ctx context.Context, transcript string) (string, error)
}

// Notifier publishes the "transcript ready" event consumed by the analysis
// start trigger.
type Notifier interface {
	TranscriptReady(ctx context.Context, m *Message) error
}

// ErrAlreadyProcessing is returned when a processing attempt is already
// running for the message id.
var ErrAlreadyProcessing = errors.New("message is already being processed")

// ErrTerminal is returned when Process is called on a COMPLETE or FAILED
// message. A FAILED message is never auto-resumed; recovery is an external
// re-submission that creates a new message.
var ErrTerminal = errors.New("message is in a terminal state")

// PipelineError is the terminal failure of one pipeline stage after its
// retry budget was exhausted.
type PipelineError struct {
	Stage ProcessingStatus
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// ProcessorConfig carries the operational tuning of the pipeline.
type ProcessorConfig struct {
	// RetryBudget is the number of retries per stage after the first
	// attempt.
	RetryBudget int
	// StageTimeout bounds each individual service call.
	StageTimeout time.Duration
}

// Processor drives messages through the pipeline. Distinct messages may be
// processed in parallel; at most one attempt runs per message id at a time.
type Processor struct {
	repo    Repository
	stt     Transcriber
	cleaner Cleaner
	deident Deidentifier
	notify  Notifier
	cfg     ProcessorConfig
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

func NewProcessor(repo Repository, stt Transcriber, cleaner Cleaner, deident Deidentifier, notify Notifier, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	return &Processor{
		repo:     repo,
		stt:      stt,
		cleaner:  cleaner,
		deident:  deident,
		notify:   notify,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// claim takes the exclusive processing slot for a message id.
func (p *Processor) claim(id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[id]; busy {
		return ErrAlreadyProcessing
	}
	p.inflight[id] = struct{}{}
	return nil
}

func (p *Processor) release(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

// Process runs the message from its current stage to COMPLETE or FAILED.
// A PENDING message runs the full pipeline; a message left mid-stage by a
// cancelled attempt re-runs from that stage (stage calls are idempotent at
// the message-status level). Cancellation leaves the message at its last
// committed stage and returns the context error.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) (*Message, error) {
	if err := p.claim(id); err != nil {
		return nil, err
	}
	defer p.release(id)

	m, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return m, fmt.Errorf("%w: %s", ErrTerminal, m.Status)
	}

	log := p.logger.With(zap.String("message_id", m.ID.String()))

	type stage struct {
		status ProcessingStatus
		run    func(ctx context.Context, m *Message) (string, error)
	}
	stages := []stage{
		{StatusTranscribing, func(ctx context.Context, m *Message) (string, error) {
			return p.stt.Transcribe(ctx, m.PayloadRef, m.PayloadKind)
		}},
		{StatusCleaning, func(ctx context.Context, m *Message) (string, error) {
			return p.cleaner.Clean(ctx, m.Transcript)
		}},
		{StatusDeidentifying, func(ctx context.Context, m *Message) (string, error) {
			return p.deident.Deidentify(ctx, m.Transcript)
		}},
	}

	for _, st := range stages {
		if skipStage(m.Status, st.status) {
			continue
		}

		if m.Status != st.status {
			m.transition(st.status)
			if err := p.repo.Save(ctx, m); err != nil {
				return m, err
			}
		}

		text, err := p.callWithRetry(ctx, st.run, m)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled: leave the message where it is for a
				// later attempt.
				log.Warn("processing cancelled", zap.String("stage", string(st.status)))
				return m, ctx.Err()
			}
			perr := &PipelineError{Stage: st.status, Err: err}
			m.FailureReason = perr.Error()
			m.transition(StatusFailed)
			if saveErr := p.repo.Save(ctx, m); saveErr != nil {
				return m, saveErr
			}
			log.Error("message pipeline failed",
				zap.String("stage", string(st.status)),
				zap.Error(err))
			return m, perr
		}

		m.Transcript = text
		if err := p.repo.Save(ctx, m); err != nil {
			return m, err
		}
	}

	m.transition(StatusComplete)
	if err := p.repo.Save(ctx, m); err != nil {
		return m, err
	}
	log.Info("message complete", zap.Int("transcript_len", len(m.Transcript)))

	if p.notify != nil {
		if err := p.notify.TranscriptReady(ctx, m); err != nil {
			// The transcript is committed; a lost notification is
			// recoverable by polling, so it only warns.
			log.Warn("transcript-ready notification failed", zap.Error(err))
		}
	}
	return m, nil
}

// skipStage reports whether the stage for target already completed given the
// message's current status.
func skipStage(current, target ProcessingStatus) bool {
	order := map[ProcessingStatus]int{
		StatusPending:       0,
		StatusTranscribing:  1,
		StatusCleaning:      2,
		StatusDeidentifying: 3,
	}
	return order[current] > order[target]
}

// callWithRetry runs one stage call with the per-call timeout, retrying up to
// the configured budget. The parent context aborts the loop immediately.
func (p *Processor) callWithRetry(ctx context.Context, run func(context.Context, *Message) (string, error), m *Message) (string, error) {
	var lastErr error
	attempts := p.cfg.RetryBudget + 1
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		text, err := run(callCtx, m)
		cancel()
		if err == nil {
			return text, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
