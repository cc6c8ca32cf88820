package farmsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/farmsync/internal/connectivity"
	"github.com/hyperengineering/farmsync/internal/logging"
	"github.com/hyperengineering/farmsync/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Metadata keys written by the sync engine.
const (
	// MetadataLastSync is the local time the last batch response was applied.
	MetadataLastSync = "last_sync"
	// MetadataServerTimestamp is the remote clock reading from that response.
	MetadataServerTimestamp = "server_timestamp"
)

// EngineState is the phase of the sync cycle currently running.
type EngineState int32

const (
	StateIdle EngineState = iota
	StateCheckingConnectivity
	StateCollecting
	StateSubmitting
	StateApplying
	StateAborted
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingConnectivity:
		return "checking_connectivity"
	case StateCollecting:
		return "collecting"
	case StateSubmitting:
		return "submitting"
	case StateApplying:
		return "applying"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RetryPolicy controls whether failed records are resubmitted automatically.
type RetryPolicy string

const (
	// RetryAuto resubmits failed records with pending ones until MaxAttempts is reached.
	RetryAuto RetryPolicy = "auto"
	// RetryManual resubmits failed records only after RetryFailed or Requeue.
	RetryManual RetryPolicy = "manual"
)

// IsValid checks if the policy is one of the known values.
func (p RetryPolicy) IsValid() bool {
	return p == RetryAuto || p == RetryManual
}

// Submitter sends one batch to the remote service.
type Submitter interface {
	SubmitBatch(ctx context.Context, batch *remote.BatchRequest) (*remote.BatchResponse, error)
}

// SyncStore is the part of the local store a sync cycle reads and writes.
type SyncStore interface {
	ListRetryable(ctx context.Context, q RetryQuery) ([]Record, error)
	CountRetryable(ctx context.Context, q RetryQuery) (int, error)
	ChildrenFor(ctx context.Context, tempIDs []string) (map[string][]Child, error)
	MarkSyncedAt(ctx context.Context, tempID, permanentID string, revision int64) (stale bool, err error)
	MarkFailedAt(ctx context.Context, tempID, reason string, revision int64) (stale bool, err error)
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// EngineConfig bounds one sync cycle.
type EngineConfig struct {
	// MaxBatchSize caps the records submitted per cycle. Zero means no cap.
	MaxBatchSize int
	// SubmitTimeout bounds the batch submission. Zero leaves it to the transport.
	SubmitTimeout time.Duration
	// RetryPolicy decides when failed records are resubmitted. They go out
	// unchanged, so a failed record the remote now accepts moves straight to synced.
	RetryPolicy RetryPolicy
	// MaxAttempts stops automatic resubmission of a record rejected this many times. Zero means no ceiling.
	MaxAttempts int
}

func (c EngineConfig) query() RetryQuery {
	return RetryQuery{
		IncludeFailed: c.RetryPolicy != RetryManual,
		MaxAttempts:   c.MaxAttempts,
		Limit:         c.MaxBatchSize,
	}
}

// Engine runs sync cycles. At most one cycle runs at a time per Engine.
type Engine struct {
	store  SyncStore
	prober connectivity.Prober
	remote Submitter
	cfg    EngineConfig

	sem      *semaphore.Weighted
	state    atomic.Int32
	observer func(from, to EngineState)
	logger   *zap.Logger
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logging.OrNop(l) }
}

// WithStateObserver registers fn to be called on every state change.
// fn runs on the cycle goroutine and must not block.
func WithStateObserver(fn func(from, to EngineState)) EngineOption {
	return func(e *Engine) { e.observer = fn }
}

// WithEngineClock overrides the time source. Used by tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a sync engine.
func NewEngine(store SyncStore, prober connectivity.Prober, submitter Submitter, cfg EngineConfig, opts ...EngineOption) *Engine {
	if cfg.RetryPolicy == "" {
		cfg.RetryPolicy = RetryAuto
	}
	e := &Engine{
		store:  store,
		prober: prober,
		remote: submitter,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(1),
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the phase of the running cycle, or StateIdle.
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

func (e *Engine) setState(to EngineState) {
	from := EngineState(e.state.Swap(int32(to)))
	if from != to && e.observer != nil {
		e.observer(from, to)
	}
}

// RunCycle performs one sync cycle and always returns a result.
//
// A cycle requested while another is running returns immediately with
// Outcome CycleSkipped. A transport failure aborts the whole cycle with no
// local change. Per-record rejections never fail the cycle.
func (e *Engine) RunCycle(ctx context.Context) (result *CycleResult) {
	result = &CycleResult{ID: uuid.NewString(), StartedAt: e.now()}

	if !e.sem.TryAcquire(1) {
		result.Outcome = CycleSkipped
		result.Success = true
		result.Message = "sync already in progress"
		e.logger.Debug("sync cycle skipped", zap.String("cycle_id", result.ID))
		return result
	}

	logger := e.logger.With(zap.String("cycle_id", result.ID))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sync cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
			e.abort(result, fmt.Errorf("sync cycle panicked: %v", r))
		}
		result.Duration = e.now().Sub(result.StartedAt)
		e.setState(StateIdle)
		e.sem.Release(1)
	}()

	e.runLocked(ctx, logger, result)
	if result.Outcome == CycleAborted {
		e.countRemaining(ctx, logger, result)
	}
	return result
}

func (e *Engine) abort(result *CycleResult, err error) {
	e.setState(StateAborted)
	result.Outcome = CycleAborted
	result.Success = false
	result.Err = err
	result.Message = err.Error()
}

func (e *Engine) runLocked(ctx context.Context, logger *zap.Logger, result *CycleResult) {
	e.setState(StateCheckingConnectivity)
	if !e.prober.IsReachable(ctx) {
		logger.Info("sync skipped: remote unreachable")
		e.abort(result, ErrNoConnectivity)
		return
	}

	e.setState(StateCollecting)
	q := e.cfg.query()
	records, err := e.store.ListRetryable(ctx, q)
	if err != nil {
		e.abort(result, fmt.Errorf("collect records: %w", err))
		return
	}
	if len(records) == 0 {
		result.Outcome = CycleCompleted
		result.Success = true
		result.Message = "nothing to sync"
		return
	}

	batch, err := e.buildBatch(ctx, records)
	if err != nil {
		e.abort(result, err)
		return
	}

	e.setState(StateSubmitting)
	logger.Info("submitting batch", zap.Int("records", len(records)))
	resp, err := e.submit(ctx, batch)
	if err != nil {
		logger.Warn("batch submission failed", zap.Error(err))
		e.abort(result, err)
		return
	}

	e.setState(StateApplying)
	e.apply(ctx, logger, records, resp, result)

	if err := e.store.SetMetadata(ctx, MetadataLastSync, formatTime(e.now())); err != nil {
		logger.Warn("record last sync", zap.Error(err))
	}
	if resp.ServerTimestamp != "" {
		if err := e.store.SetMetadata(ctx, MetadataServerTimestamp, resp.ServerTimestamp); err != nil {
			logger.Warn("record server timestamp", zap.Error(err))
		}
	}

	e.countRemaining(ctx, logger, result)

	result.Outcome = CycleCompleted
	result.Success = true
	result.Message = fmt.Sprintf("synced %d, failed %d", result.Synced, result.Failed)
	if result.Superseded > 0 {
		result.Message += fmt.Sprintf(", %d edited during submission", result.Superseded)
	}
	logger.Info("sync cycle completed",
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed),
		zap.Int("superseded", result.Superseded),
		zap.Int("remaining", result.Remaining),
	)
}

// countRemaining sets how many records a following cycle would pick up.
func (e *Engine) countRemaining(ctx context.Context, logger *zap.Logger, result *CycleResult) {
	total, err := e.store.CountRetryable(ctx, e.cfg.query())
	if err != nil {
		logger.Warn("count remaining records", zap.Error(err))
		return
	}
	result.Remaining = total
}

func (e *Engine) buildBatch(ctx context.Context, records []Record) (*remote.BatchRequest, error) {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.TempID
	}
	children, err := e.store.ChildrenFor(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("collect children: %w", err)
	}

	lastSync, err := e.store.GetMetadata(ctx, MetadataLastSync)
	if err != nil {
		return nil, fmt.Errorf("read last sync: %w", err)
	}

	batch := &remote.BatchRequest{
		Farmers:  make([]json.RawMessage, 0, len(records)),
		LastSync: lastSync,
	}
	for _, r := range records {
		var parcels, crops []remote.ChildEnvelope
		for _, c := range children[r.TempID] {
			env := remote.ChildEnvelope{ID: c.ID, Payload: c.Payload}
			switch c.Kind {
			case ChildLandParcel:
				parcels = append(parcels, env)
			case ChildCrop:
				crops = append(crops, env)
			}
		}
		doc, err := remote.FarmerEnvelope(r.TempID, r.Payload, parcels, crops)
		if err != nil {
			return nil, err
		}
		batch.Farmers = append(batch.Farmers, doc)
	}
	return batch, nil
}

func (e *Engine) submit(ctx context.Context, batch *remote.BatchRequest) (*remote.BatchResponse, error) {
	if e.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		defer cancel()
	}

	resp, err := e.remote.SubmitBatch(ctx, batch)
	if err != nil {
		return nil, toTransportError(err)
	}
	if resp == nil {
		return nil, &TransportError{Operation: "submit_batch", Err: errors.New("empty response")}
	}
	return resp, nil
}

func toTransportError(err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	var re *remote.Error
	if errors.As(err, &re) {
		return &TransportError{Operation: re.Operation, StatusCode: re.StatusCode, Err: re.Err}
	}
	return &TransportError{Operation: "submit_batch", Err: err}
}

// apply writes each outcome back to the store in the order returned.
func (e *Engine) apply(ctx context.Context, logger *zap.Logger, records []Record, resp *remote.BatchResponse, result *CycleResult) {
	revisions := make(map[string]int64, len(records))
	for _, r := range records {
		revisions[r.TempID] = r.Revision
	}
	applied := make(map[string]bool, len(records))

	for _, o := range resp.Outcomes() {
		revision, inBatch := revisions[o.TempID]
		if !inBatch {
			logger.Warn("outcome for record not in batch", zap.String("temp_id", o.TempID))
			continue
		}
		if applied[o.TempID] {
			logger.Warn("duplicate outcome ignored", zap.String("temp_id", o.TempID))
			continue
		}
		applied[o.TempID] = true

		if o.Status.Accepted() {
			stale, err := e.store.MarkSyncedAt(ctx, o.TempID, o.PermanentID, revision)
			switch {
			case err != nil:
				logger.Error("mark synced", zap.String("temp_id", o.TempID), zap.Error(err))
				result.Failed++
				result.Errors = append(result.Errors, &RecordRejectedError{TempID: o.TempID, Message: err.Error()})
			case stale:
				logger.Info("record edited during submission, kept pending",
					zap.String("temp_id", o.TempID), zap.String("permanent_id", o.PermanentID))
				result.Superseded++
			default:
				result.Synced++
			}
			continue
		}

		stale, err := e.store.MarkFailedAt(ctx, o.TempID, o.Message, revision)
		if err != nil {
			logger.Error("mark failed", zap.String("temp_id", o.TempID), zap.Error(err))
		}
		if stale {
			logger.Info("rejected revision superseded by local edit", zap.String("temp_id", o.TempID))
			result.Superseded++
			continue
		}
		result.Errors = append(result.Errors, &RecordRejectedError{TempID: o.TempID, Message: o.Message})
		result.Failed++
	}

	if missing := len(records) - len(applied); missing > 0 {
		logger.Warn("records without outcome left unchanged", zap.Int("count", missing))
	}
}
