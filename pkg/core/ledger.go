package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// sweepMessage is the terminal message stamped on updates found unfinished
// at startup. Their real outcomes were lost with the previous process.
const sweepMessage = "process restarted before the action finished"

// UpdateLedger owns the lifecycle of update records: open, begin, append
// logs, finish. Transitions are monotonic (queued -> in progress ->
// complete) and a completed update never changes again. Callers hold the
// target's action lock for the full open-to-finish span, so the ledger
// never sees concurrent writers for one update.
type UpdateLedger struct {
	store     Store
	publisher EventPublisher
	logger    zerolog.Logger
	now       func() time.Time
}

// NewUpdateLedger creates a ledger over the given store. A nil publisher
// disables event emission.
func NewUpdateLedger(store Store, publisher EventPublisher, logger zerolog.Logger) *UpdateLedger {
	return &UpdateLedger{
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "ledger").Logger(),
		now:       time.Now,
	}
}

// Open creates a new queued update for the action and publishes
// UpdateCreated. Callers must already hold the target's lock.
func (l *UpdateLedger) Open(ctx context.Context, target Target, op Operation, operator string) (*Update, error) {
	u := &Update{
		ID:        uuid.New().String(),
		Target:    target,
		Operation: op,
		Operator:  operator,
		Status:    UpdateQueued,
		CreatedAt: l.now(),
	}

	if err := l.store.CreateUpdate(ctx, u); err != nil {
		return nil, NewStoreError("create update").WithTarget(target).WithOperation(op).WithCause(err)
	}

	l.logger.Info().
		Str("update_id", u.ID).
		Str("target", target.String()).
		Str("operation", string(op)).
		Str("operator", operator).
		Msg("Update opened")

	l.publish(EventUpdateCreated, target, UpdatePayload{
		UpdateID:  u.ID,
		Operation: op,
	})
	return u, nil
}

// Begin transitions a queued update to in progress. Beginning an update
// that is not queued is an internal error: it means the dispatcher's
// sequencing is broken.
func (l *UpdateLedger) Begin(ctx context.Context, u *Update) error {
	if u.Status != UpdateQueued {
		return NewInternalError("begin of update %s in status %s", u.ID, u.Status)
	}

	at := l.now()
	if err := l.store.SetUpdateStatus(ctx, u.ID, UpdateInProgress, at); err != nil {
		return NewStoreError("begin update %s", u.ID).WithCause(err)
	}
	u.Status = UpdateInProgress
	u.StartedAt = &at
	return nil
}

// AppendLog appends one output chunk to an in-progress update and
// publishes UpdateProgress. Chunks arriving after completion are dropped:
// a finished record is immutable.
func (l *UpdateLedger) AppendLog(ctx context.Context, u *Update, stream LogStream, chunk string) error {
	if u.Status != UpdateInProgress {
		l.logger.Debug().
			Str("update_id", u.ID).
			Str("status", string(u.Status)).
			Msg("Dropping log chunk for non-running update")
		return nil
	}

	entry := LogChunk{
		Stream:    stream,
		Chunk:     chunk,
		Timestamp: l.now(),
	}
	if err := l.store.AppendUpdateLog(ctx, u.ID, entry); err != nil {
		return NewStoreError("append log to update %s", u.ID).WithCause(err)
	}
	u.Logs = append(u.Logs, entry)

	l.publish(EventUpdateProgress, u.Target, ProgressPayload{
		UpdateID: u.ID,
		Stream:   stream,
		Chunk:    chunk,
	})
	return nil
}

// Finish completes an update with its outcome and publishes
// UpdateFinished. Complete is terminal: a second finish is rejected as
// an internal error, so the first recorded outcome can never be altered.
func (l *UpdateLedger) Finish(ctx context.Context, u *Update, success bool, message string) error {
	if u.Status == UpdateComplete {
		return NewInternalError("finish of update %s: already complete", u.ID)
	}

	at := l.now()
	if err := l.store.FinalizeUpdate(ctx, u.ID, success, message, at); err != nil {
		return NewStoreError("finalize update %s", u.ID).WithCause(err)
	}
	u.Status = UpdateComplete
	u.Success = success
	u.Message = message
	u.CompletedAt = &at

	l.logger.Info().
		Str("update_id", u.ID).
		Str("target", u.Target.String()).
		Str("operation", string(u.Operation)).
		Bool("success", success).
		Msg("Update finished")

	l.publish(EventUpdateFinished, u.Target, UpdatePayload{
		UpdateID:  u.ID,
		Operation: u.Operation,
		Success:   &success,
	})
	return nil
}

// Get fetches one update with its logs.
func (l *UpdateLedger) Get(ctx context.Context, id string) (*Update, error) {
	u, err := l.store.GetUpdate(ctx, id)
	if err != nil {
		return nil, NewStoreError("get update %s", id).WithCause(err)
	}
	return u, nil
}

// List lists updates for a target, most recent first.
func (l *UpdateLedger) List(ctx context.Context, target Target, limit int) ([]*Update, error) {
	updates, err := l.store.ListUpdates(ctx, target, limit)
	if err != nil {
		return nil, NewStoreError("list updates for %s", target).WithCause(err)
	}
	return updates, nil
}

// SweepStaleUpdates marks every update still queued or in progress as
// failed. Run at startup: any unfinished update necessarily belonged to a
// previous process whose outcome was lost. Returns the number swept.
func (l *UpdateLedger) SweepStaleUpdates(ctx context.Context) (int, error) {
	stale, err := l.store.ListUnfinishedUpdates(ctx)
	if err != nil {
		return 0, NewStoreError("list unfinished updates").WithCause(err)
	}

	swept := 0
	for _, u := range stale {
		if err := l.Finish(ctx, u, false, sweepMessage); err != nil {
			return swept, err
		}
		swept++
	}

	if swept > 0 {
		l.logger.Warn().Int("count", swept).Msg("Swept stale updates from previous process")
	}
	return swept, nil
}

func (l *UpdateLedger) publish(eventType EventType, target Target, payload interface{}) {
	if l.publisher == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		l.logger.Error().Err(err).Str("event", string(eventType)).Msg("Failed to marshal event payload")
		return
	}
	l.publisher.Publish(Event{
		Type:      eventType,
		Target:    target,
		Payload:   body,
		Timestamp: l.now(),
	})
}
