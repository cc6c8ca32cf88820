package farmsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/farmsync/internal/connectivity"
	"github.com/hyperengineering/farmsync/internal/remote"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
)

// fakeSubmitter answers SubmitBatch with fn and records every batch it saw.
type fakeSubmitter struct {
	mu      sync.Mutex
	batches []*remote.BatchRequest
	fn      func(ctx context.Context, batch *remote.BatchRequest) (*remote.BatchResponse, error)
}

func (f *fakeSubmitter) SubmitBatch(ctx context.Context, batch *remote.BatchRequest) (*remote.BatchResponse, error) {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	return f.fn(ctx, batch)
}

func (f *fakeSubmitter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// acceptAll binds a deterministic permanent ID to every farmer in the batch.
func acceptAll(_ context.Context, batch *remote.BatchRequest) (*remote.BatchResponse, error) {
	resp := &remote.BatchResponse{Total: len(batch.Farmers)}
	for _, f := range batch.Farmers {
		tempID := gjson.GetBytes(f, "temp_id").String()
		resp.Results = append(resp.Results, remote.RecordResult{
			TempID:   tempID,
			FarmerID: "ZF-" + tempID,
			Status:   remote.OutcomeCreated,
		})
		resp.Successful++
	}
	return resp, nil
}

func newTestEngine(t *testing.T, store SyncStore, prober connectivity.Prober, sub Submitter, cfg EngineConfig, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append([]EngineOption{WithEngineLogger(zaptest.NewLogger(t))}, opts...)
	return NewEngine(store, prober, sub, cfg, opts...)
}

func mustGet(t *testing.T, store *Store, tempID string) *Record {
	t.Helper()
	rec, err := store.Get(context.Background(), tempID)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", tempID, err)
	}
	return rec
}

func TestEngine_NoConnectivity(t *testing.T) {
	store := newTestStore(t)
	id := mustCreate(t, store, `{}`)
	sub := &fakeSubmitter{fn: acceptAll}

	engine := newTestEngine(t, store, connectivity.NewStatic(false), sub, EngineConfig{})
	result := engine.RunCycle(context.Background())

	if result.Outcome != CycleAborted || result.Success {
		t.Errorf("result = %+v, want aborted", result)
	}
	if !errors.Is(result.Err, ErrNoConnectivity) {
		t.Errorf("Err = %v, want ErrNoConnectivity", result.Err)
	}
	if sub.calls() != 0 {
		t.Errorf("submitter called %d times without connectivity", sub.calls())
	}
	if result.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", result.Remaining)
	}
	if engine.State() != StateIdle {
		t.Errorf("state = %s, want idle", engine.State())
	}
	if rec := mustGet(t, store, id); rec.Status != StatusPending {
		t.Errorf("status = %q, want pending", rec.Status)
	}
}

func TestEngine_EmptyShortCircuit(t *testing.T) {
	store := newTestStore(t)
	sub := &fakeSubmitter{fn: acceptAll}

	result := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{}).RunCycle(context.Background())

	if result.Outcome != CycleCompleted || !result.Success {
		t.Errorf("result = %+v, want completed", result)
	}
	if result.Synced != 0 || sub.calls() != 0 {
		t.Errorf("synced %d with %d submissions, want nothing", result.Synced, sub.calls())
	}
}

func TestEngine_PartialFailure(t *testing.T) {
	store := newTestStore(t)
	a := mustCreate(t, store, `{"name":"A"}`)
	b := mustCreate(t, store, `{"name":"B"}`)
	c := mustCreate(t, store, `{"name":"C"}`)

	sub := &fakeSubmitter{fn: func(context.Context, *remote.BatchRequest) (*remote.BatchResponse, error) {
		return &remote.BatchResponse{
			Total:      3,
			Successful: 2,
			Failed:     1,
			Results: []remote.RecordResult{
				{TempID: a, FarmerID: "P1", Status: remote.OutcomeCreated},
				{TempID: c, FarmerID: "P3", Status: remote.OutcomeCreated},
			},
			Errors: []remote.RecordError{{TempID: b, Error: "duplicate NRC"}},
		}, nil
	}}

	result := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{}).RunCycle(context.Background())

	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.Synced != 2 || result.Failed != 1 {
		t.Errorf("synced %d, failed %d, want 2 and 1", result.Synced, result.Failed)
	}
	if len(result.Errors) != 1 || result.Errors[0].TempID != b || result.Errors[0].Message != "duplicate NRC" {
		t.Errorf("Errors = %+v, want one rejection of %s", result.Errors, b)
	}
	if sub.calls() != 1 {
		t.Errorf("submissions = %d, want exactly one per cycle", sub.calls())
	}

	if rec := mustGet(t, store, a); rec.Status != StatusSynced || rec.PermanentID != "P1" {
		t.Errorf("record A = %+v, want synced as P1", rec)
	}
	if rec := mustGet(t, store, b); rec.Status != StatusFailed || rec.LastError != "duplicate NRC" {
		t.Errorf("record B = %+v, want failed with the remote message", rec)
	}
	if rec := mustGet(t, store, c); rec.Status != StatusSynced || rec.PermanentID != "P3" {
		t.Errorf("record C = %+v, want synced as P3", rec)
	}
}

func TestEngine_TransportFailureChangesNothing(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"timeout", &remote.Error{Operation: "submit_batch", Err: context.DeadlineExceeded}, 0},
		{"unauthorized", &remote.Error{Operation: "submit_batch", StatusCode: http.StatusUnauthorized, Err: errors.New("invalid token")}, 401},
		{"bare error", errors.New("connection reset"), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			ctx := context.Background()
			a := mustCreate(t, store, `{}`)
			b := mustCreate(t, store, `{}`)

			sub := &fakeSubmitter{fn: func(context.Context, *remote.BatchRequest) (*remote.BatchResponse, error) {
				return nil, tt.err
			}}
			result := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{}).RunCycle(ctx)

			if result.Outcome != CycleAborted {
				t.Errorf("outcome = %s, want aborted", result.Outcome)
			}
			var te *TransportError
			if !errors.As(result.Err, &te) {
				t.Fatalf("Err = %v, want *TransportError", result.Err)
			}
			if te.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", te.StatusCode, tt.wantStatus)
			}
			if te.Unauthorized() != (tt.wantStatus == 401) {
				t.Errorf("Unauthorized() = %v", te.Unauthorized())
			}

			for _, id := range []string{a, b} {
				if rec := mustGet(t, store, id); rec.Status != StatusPending || rec.Attempts != 0 {
					t.Errorf("record %s = %+v, want untouched", id, rec)
				}
			}
			if last, _ := store.GetMetadata(ctx, MetadataLastSync); last != "" {
				t.Errorf("last_sync = %q, want unset", last)
			}
		})
	}
}

func TestEngine_IdempotentResync(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := mustCreate(t, store, `{}`)

	// The remote applies the batch but the response is lost.
	applied := false
	sub := &fakeSubmitter{fn: func(ctx context.Context, batch *remote.BatchRequest) (*remote.BatchResponse, error) {
		if !applied {
			applied = true
			return nil, &remote.Error{Operation: "submit_batch", Err: errors.New("EOF")}
		}
		resp, _ := acceptAll(ctx, batch)
		resp.Results[0].Status = remote.OutcomeUpdated
		return resp, nil
	}}
	engine := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{})

	if first := engine.RunCycle(ctx); first.Outcome != CycleAborted {
		t.Fatalf("first outcome = %s, want aborted", first.Outcome)
	}

	second := engine.RunCycle(ctx)
	if !second.Success || second.Synced != 1 {
		t.Fatalf("second = %+v, want 1 synced", second)
	}
	if rec := mustGet(t, store, id); rec.PermanentID != "ZF-"+id {
		t.Errorf("PermanentID = %q, want ZF-%s", rec.PermanentID, id)
	}
	if got := gjson.GetBytes(sub.batches[1].Farmers[0], "temp_id").String(); got != id {
		t.Errorf("retry sent temp_id %q, want %q", got, id)
	}

	third := engine.RunCycle(ctx)
	if third.Synced != 0 || sub.calls() != 2 {
		t.Errorf("third cycle synced %d after %d submissions; synced records must not be resubmitted", third.Synced, sub.calls())
	}
}

func TestEngine_MutualExclusion(t *testing.T) {
	store := newTestStore(t)
	mustCreate(t, store, `{}`)

	entered := make(chan struct{})
	release := make(chan struct{})
	sub := &fakeSubmitter{fn: func(ctx context.Context, batch *remote.BatchRequest) (*remote.BatchResponse, error) {
		close(entered)
		<-release
		return acceptAll(ctx, batch)
	}}
	engine := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{})

	done := make(chan *CycleResult)
	go func() { done <- engine.RunCycle(context.Background()) }()
	<-entered

	if engine.State() != StateSubmitting {
		t.Errorf("state = %s, want submitting", engine.State())
	}
	if skipped := engine.RunCycle(context.Background()); skipped.Outcome != CycleSkipped {
		t.Errorf("overlapping outcome = %s, want skipped", skipped.Outcome)
	}
	if sub.calls() != 1 {
		t.Errorf("submissions = %d, want 1", sub.calls())
	}

	close(release)
	if first := <-done; first.Synced != 1 {
		t.Errorf("first cycle synced %d, want 1", first.Synced)
	}
	if engine.State() != StateIdle {
		t.Errorf("state = %s, want idle", engine.State())
	}
}

func TestEngine_ConcurrentCallersRunOneCycleAtATime(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 5; i++ {
		mustCreate(t, store, fmt.Sprintf(`{"n":%d}`, i))
	}

	var active, maxActive atomic.Int32
	sub := &fakeSubmitter{fn: func(ctx context.Context, batch *remote.BatchRequest) (*remote.BatchResponse, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return acceptAll(ctx, batch)
	}}
	engine := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{})

	var wg sync.WaitGroup
	var synced atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			synced.Add(int32(engine.RunCycle(context.Background()).Synced))
		}()
	}
	wg.Wait()

	if got := maxActive.Load(); got != 1 {
		t.Errorf("max concurrent submissions = %d, want 1", got)
	}
	if got := synced.Load(); got != 5 {
		t.Errorf("synced = %d, want each of 5 records exactly once", got)
	}
}

func TestEngine_ReleasesAfterPanic(t *testing.T) {
	store := newTestStore(t)
	mustCreate(t, store, `{}`)

	panicking := true
	sub := &fakeSubmitter{fn: func(ctx context.Context, batch *remote.BatchRequest) (*remote.BatchResponse, error) {
		if panicking {
			panic("collaborator bug")
		}
		return acceptAll(ctx, batch)
	}}
	engine := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{})

	result := engine.RunCycle(context.Background())
	if result.Outcome != CycleAborted || result.Err == nil {
		t.Fatalf("result = %+v, want aborted with an error", result)
	}

	panicking = false
	next := engine.RunCycle(context.Background())
	if next.Outcome != CycleCompleted || next.Synced != 1 {
		t.Errorf("next = %+v, want completed with 1 synced", next)
	}
}

func TestEngine_NestsChildren(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := mustCreate(t, store, `{"nrc_number":"123456/12/1"}`)
	first, err := store.AttachChild(ctx, id, ChildLandParcel, json.RawMessage(`{"size_hectares":3}`))
	if err != nil {
		t.Fatalf("AttachChild failed: %v", err)
	}
	if _, err := store.AttachChild(ctx, id, ChildCrop, json.RawMessage(`{"name":"maize"}`)); err != nil {
		t.Fatalf("AttachChild failed: %v", err)
	}
	second, err := store.AttachChild(ctx, id, ChildLandParcel, json.RawMessage(`{"size_hectares":1.5}`))
	if err != nil {
		t.Fatalf("AttachChild failed: %v", err)
	}

	sub := &fakeSubmitter{fn: acceptAll}
	if result := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{}).RunCycle(ctx); !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}

	if len(sub.batches) != 1 || len(sub.batches[0].Farmers) != 1 {
		t.Fatalf("batches = %d, want one batch with one farmer; children are never separate entries", len(sub.batches))
	}
	farmer := gjson.ParseBytes(sub.batches[0].Farmers[0])
	if got := farmer.Get("nrc_number").String(); got != "123456/12/1" {
		t.Errorf("nrc_number = %q", got)
	}
	if n := farmer.Get("land_parcels.#").Int(); n != 2 {
		t.Fatalf("land_parcels = %d, want 2", n)
	}
	if got := farmer.Get("land_parcels.0.local_id").String(); got != first.ID {
		t.Errorf("land_parcels.0.local_id = %q, want %q", got, first.ID)
	}
	if got := farmer.Get("land_parcels.1.local_id").String(); got != second.ID {
		t.Errorf("land_parcels.1.local_id = %q, want %q", got, second.ID)
	}
	if n := farmer.Get("crops.#").Int(); n != 1 {
		t.Errorf("crops = %d, want 1", n)
	}
	if got := farmer.Get("crops.0.name").String(); got != "maize" {
		t.Errorf("crops.0.name = %q, want maize", got)
	}
}

// TestEngine_EditDuringSubmission verifies an edit made while the batch is in
// flight is not marked synced with the old revision, and goes out next cycle.
func TestEngine_EditDuringSubmission(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := mustCreate(t, store, `{"phone":"+260 97 1111111"}`)

	edited := false
	sub := &fakeSubmitter{fn: func(ctx context.Context, batch *remote.BatchRequest) (*remote.BatchResponse, error) {
		if !edited {
			edited = true
			if err := store.UpdatePayload(ctx, id, json.RawMessage(`{"phone":"+260 97 2222222"}`)); err != nil {
				return nil, err
			}
			return acceptAll(ctx, batch)
		}
		resp, _ := acceptAll(ctx, batch)
		resp.Results[0].Status = remote.OutcomeUpdated
		return resp, nil
	}}
	engine := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{})

	first := engine.RunCycle(ctx)
	if first.Synced != 0 || first.Superseded != 1 {
		t.Errorf("first = %+v, want 0 synced and 1 superseded", first)
	}
	if first.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", first.Remaining)
	}
	rec := mustGet(t, store, id)
	if rec.Status != StatusPending {
		t.Fatalf("status = %q, want pending: the edit was lost", rec.Status)
	}
	if rec.PermanentID != "ZF-"+id {
		t.Errorf("PermanentID = %q, want the accepted ID bound", rec.PermanentID)
	}
	if got := gjson.GetBytes(rec.Payload, "phone").String(); got != "+260 97 2222222" {
		t.Errorf("phone = %q, want the edited value", got)
	}

	second := engine.RunCycle(ctx)
	if second.Synced != 1 || second.Superseded != 0 {
		t.Errorf("second = %+v, want 1 synced", second)
	}
	if got := gjson.GetBytes(sub.batches[1].Farmers[0], "phone").String(); got != "+260 97 2222222" {
		t.Errorf("resubmitted phone = %q, want the edited value", got)
	}
	if rec := mustGet(t, store, id); rec.Status != StatusSynced || rec.PermanentID != "ZF-"+id {
		t.Errorf("record = %+v, want synced as ZF-%s", rec, id)
	}
}

// TestEngine_AttachDuringSubmission verifies a child attached while the batch
// is in flight keeps the parent pending so the child is submitted.
func TestEngine_AttachDuringSubmission(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := mustCreate(t, store, `{}`)

	var crop *Child
	sub := &fakeSubmitter{fn: func(ctx context.Context, batch *remote.BatchRequest) (*remote.BatchResponse, error) {
		if crop == nil {
			c, err := store.AttachChild(ctx, id, ChildCrop, json.RawMessage(`{"name":"groundnuts"}`))
			if err != nil {
				return nil, err
			}
			crop = c
		}
		return acceptAll(ctx, batch)
	}}
	engine := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{})

	if first := engine.RunCycle(ctx); first.Superseded != 1 {
		t.Errorf("first = %+v, want 1 superseded", first)
	}
	if rec := mustGet(t, store, id); rec.Status != StatusPending {
		t.Fatalf("status = %q, want pending until the child is submitted", rec.Status)
	}

	if second := engine.RunCycle(ctx); second.Synced != 1 {
		t.Errorf("second = %+v, want 1 synced", second)
	}
	if got := gjson.GetBytes(sub.batches[1].Farmers[0], "crops.0.local_id").String(); got != crop.ID {
		t.Errorf("crops.0.local_id = %q, want %q", got, crop.ID)
	}

	// Once synced, the record takes no more children.
	if _, err := store.AttachChild(ctx, id, ChildCrop, json.RawMessage(`{"name":"soya"}`)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("attach to synced record: err = %v, want ErrInvalidTransition", err)
	}
}

// TestEngine_RejectionOfEditedRecord verifies a rejection of a superseded
// revision does not fail the record.
func TestEngine_RejectionOfEditedRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := mustCreate(t, store, `{"nrc_number":"bad"}`)

	sub := &fakeSubmitter{fn: func(ctx context.Context, batch *remote.BatchRequest) (*remote.BatchResponse, error) {
		if err := store.UpdatePayload(ctx, id, json.RawMessage(`{"nrc_number":"123456/12/1"}`)); err != nil {
			return nil, err
		}
		return &remote.BatchResponse{Errors: []remote.RecordError{{TempID: id, Error: "Invalid NRC format"}}}, nil
	}}
	result := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{}).RunCycle(ctx)

	if result.Failed != 0 || result.Superseded != 1 || len(result.Errors) != 0 {
		t.Errorf("result = %+v, want the rejection superseded", result)
	}
	if rec := mustGet(t, store, id); rec.Status != StatusPending || rec.Attempts != 0 {
		t.Errorf("record = %+v, want pending with no attempts", rec)
	}
}

func TestEngine_BatchSizeAndRemaining(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 5; i++ {
		mustCreate(t, store, fmt.Sprintf(`{"n":%d}`, i))
	}
	sub := &fakeSubmitter{fn: acceptAll}
	engine := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{MaxBatchSize: 2})

	result := engine.RunCycle(context.Background())
	if result.Synced != 2 || result.Remaining != 3 {
		t.Errorf("first = synced %d remaining %d, want 2 and 3", result.Synced, result.Remaining)
	}
	if n := len(sub.batches[0].Farmers); n != 2 {
		t.Errorf("batch size = %d, want 2", n)
	}

	engine.RunCycle(context.Background())
	last := engine.RunCycle(context.Background())
	if last.Synced != 1 || last.Remaining != 0 {
		t.Errorf("last = synced %d remaining %d, want 1 and 0", last.Synced, last.Remaining)
	}
}

func TestEngine_RetryPolicy(t *testing.T) {
	rejectAll := func(_ context.Context, batch *remote.BatchRequest) (*remote.BatchResponse, error) {
		resp := &remote.BatchResponse{}
		for _, f := range batch.Farmers {
			resp.Errors = append(resp.Errors, remote.RecordError{TempID: gjson.GetBytes(f, "temp_id").String(), Error: "rejected"})
		}
		return resp, nil
	}

	t.Run("auto retries until max attempts", func(t *testing.T) {
		store := newTestStore(t)
		id := mustCreate(t, store, `{}`)
		sub := &fakeSubmitter{fn: rejectAll}
		engine := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{RetryPolicy: RetryAuto, MaxAttempts: 2})

		engine.RunCycle(context.Background())
		engine.RunCycle(context.Background())
		third := engine.RunCycle(context.Background())

		if sub.calls() != 2 {
			t.Errorf("submissions = %d, want 2", sub.calls())
		}
		if third.Failed != 0 {
			t.Errorf("third cycle failed %d, want 0", third.Failed)
		}
		if rec := mustGet(t, store, id); rec.Attempts != 2 {
			t.Errorf("attempts = %d, want 2", rec.Attempts)
		}
	})

	t.Run("manual waits for requeue", func(t *testing.T) {
		store := newTestStore(t)
		id := mustCreate(t, store, `{}`)
		sub := &fakeSubmitter{fn: rejectAll}
		engine := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{RetryPolicy: RetryManual})

		engine.RunCycle(context.Background())
		engine.RunCycle(context.Background())
		if sub.calls() != 1 {
			t.Errorf("submissions before requeue = %d, want 1", sub.calls())
		}

		if err := store.Requeue(context.Background(), id); err != nil {
			t.Fatalf("Requeue failed: %v", err)
		}
		engine.RunCycle(context.Background())
		if sub.calls() != 2 {
			t.Errorf("submissions after requeue = %d, want 2", sub.calls())
		}
	})
}

func TestEngine_IgnoresUnknownAndDuplicateOutcomes(t *testing.T) {
	store := newTestStore(t)
	a := mustCreate(t, store, `{}`)
	b := mustCreate(t, store, `{}`)

	sub := &fakeSubmitter{fn: func(context.Context, *remote.BatchRequest) (*remote.BatchResponse, error) {
		return &remote.BatchResponse{
			Results: []remote.RecordResult{
				{TempID: a, FarmerID: "P1", Status: remote.OutcomeCreated},
				{TempID: a, FarmerID: "P9", Status: remote.OutcomeCreated},
				{TempID: "01STRANGER", FarmerID: "P2", Status: remote.OutcomeCreated},
			},
		}, nil
	}}
	result := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{}).RunCycle(context.Background())

	if result.Synced != 1 || result.Failed != 0 {
		t.Errorf("synced %d, failed %d, want 1 and 0", result.Synced, result.Failed)
	}
	if rec := mustGet(t, store, a); rec.PermanentID != "P1" {
		t.Errorf("PermanentID = %q, want P1", rec.PermanentID)
	}
	if rec := mustGet(t, store, b); rec.Status != StatusPending {
		t.Errorf("record without outcome = %q, want pending", rec.Status)
	}
}

// failingStore wraps a Store and fails MarkSyncedAt for one temp ID.
type failingStore struct {
	*Store
	failID string
}

func (f *failingStore) MarkSyncedAt(ctx context.Context, tempID, permanentID string, revision int64) (bool, error) {
	if tempID == f.failID {
		return false, errors.New("disk I/O error")
	}
	return f.Store.MarkSyncedAt(ctx, tempID, permanentID, revision)
}

func TestEngine_StoreErrorIsolatedPerRecord(t *testing.T) {
	store := newTestStore(t)
	a := mustCreate(t, store, `{}`)
	b := mustCreate(t, store, `{}`)

	sub := &fakeSubmitter{fn: acceptAll}
	result := newTestEngine(t, &failingStore{Store: store, failID: a}, connectivity.NewStatic(true), sub, EngineConfig{}).RunCycle(context.Background())

	if !result.Success || result.Synced != 1 || result.Failed != 1 {
		t.Errorf("result = %+v, want success with 1 synced and 1 failed", result)
	}
	if rec := mustGet(t, store, b); rec.Status != StatusSynced {
		t.Errorf("record B = %q, want synced", rec.Status)
	}
}

func TestEngine_StateTransitions(t *testing.T) {
	store := newTestStore(t)
	mustCreate(t, store, `{}`)

	var mu sync.Mutex
	var seen []EngineState
	observer := func(_, to EngineState) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	}
	engine := newTestEngine(t, store, connectivity.NewStatic(true), &fakeSubmitter{fn: acceptAll}, EngineConfig{}, WithStateObserver(observer))
	engine.RunCycle(context.Background())

	want := []EngineState{StateCheckingConnectivity, StateCollecting, StateSubmitting, StateApplying, StateIdle}
	if len(seen) != len(want) {
		t.Fatalf("states = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestEngine_RecordsLastSync(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := newTestStore(t)
	mustCreate(t, store, `{}`)

	sub := &fakeSubmitter{fn: func(ctx context.Context, batch *remote.BatchRequest) (*remote.BatchResponse, error) {
		resp, _ := acceptAll(ctx, batch)
		resp.ServerTimestamp = "2026-03-01T10:00:01.5"
		return resp, nil
	}}
	engine := newTestEngine(t, store, connectivity.NewStatic(true), sub, EngineConfig{}, WithEngineClock(func() time.Time { return now }))
	engine.RunCycle(context.Background())

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if !stats.LastSync.Equal(now) {
		t.Errorf("LastSync = %v, want %v", stats.LastSync, now)
	}
	if ts, _ := store.GetMetadata(context.Background(), MetadataServerTimestamp); ts != "2026-03-01T10:00:01.5" {
		t.Errorf("server_timestamp = %q", ts)
	}

	mustCreate(t, store, `{}`)
	engine.RunCycle(context.Background())
	if got := sub.batches[1].LastSync; got != formatTime(now) {
		t.Errorf("LastSync sent = %q, want %q", got, formatTime(now))
	}
}
