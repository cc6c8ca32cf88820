package farmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hyperengineering/farmsync/internal/connectivity"
	"github.com/hyperengineering/farmsync/internal/logging"
	"github.com/hyperengineering/farmsync/internal/remote"
	"go.uber.org/zap"
)

// MetadataSourceID is the metadata key holding the device identifier.
const MetadataSourceID = "source_id"

// Client is the main interface for capturing registrations and syncing them.
type Client struct {
	store     *Store
	remote    *remote.HTTPClient
	engine    *Engine
	scheduler *Scheduler
	config    Config
	logger    *zap.Logger

	submitter Submitter
	prober    connectivity.Prober
	onResult  func(*CycleResult)
	noFlush   bool

	mu       sync.Mutex
	closed   bool
	stopSync context.CancelFunc
	syncDone chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger. Without it New builds one from LogLevel and LogFormat.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithSubmitter replaces the HTTP batch submitter.
func WithSubmitter(s Submitter) ClientOption {
	return func(c *Client) { c.submitter = s }
}

// WithProber replaces the network connectivity prober.
func WithProber(p connectivity.Prober) ClientOption {
	return func(c *Client) { c.prober = p }
}

// WithoutCloseFlush stops Close from running a final sync cycle.
func WithoutCloseFlush() ClientOption {
	return func(c *Client) { c.noFlush = true }
}

// WithResultHandler receives the result of every background cycle.
func WithResultHandler(fn func(*CycleResult)) ClientOption {
	return func(c *Client) { c.onResult = fn }
}

// New creates a farmsync client.
func New(cfg Config, opts ...ClientOption) (*Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{config: cfg}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
		c.logger = logger
	}

	store, err := NewStore(cfg.LocalPath, WithStoreLogger(c.logger.Named("store")))
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	c.store = store

	ctx := context.Background()
	if cfg.SourceID != "" {
		if err := store.SetMetadata(ctx, MetadataSourceID, cfg.SourceID); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("client: %w", err)
		}
	}

	if !cfg.IsOffline() {
		c.remote = remote.NewHTTPClient(cfg.APIURL, remote.StaticToken(cfg.APIToken)).
			WithLogger(c.logger.Named("remote"))
		if c.submitter == nil {
			c.submitter = c.remote
		}
		if c.prober == nil {
			c.prober = connectivity.NewNetProber(cfg.APIURL,
				connectivity.WithTimeout(cfg.ProbeTimeout),
				connectivity.WithLogger(c.logger.Named("probe")),
			)
		}
	}

	if !cfg.OfflineMode && c.submitter != nil && c.prober != nil {
		c.engine = NewEngine(store, c.prober, c.submitter, cfg.engineConfig(),
			WithEngineLogger(c.logger.Named("sync")))
	}

	if c.engine != nil && cfg.AutoSync {
		c.scheduler = NewScheduler(c.engine, cfg.schedulerConfig(),
			WithSchedulerLogger(c.logger.Named("scheduler")),
			OnResult(c.onResult),
		)
		runCtx, cancel := context.WithCancel(context.Background())
		c.stopSync = cancel
		c.syncDone = make(chan struct{})
		go func() {
			defer close(c.syncDone)
			_ = c.scheduler.Run(runCtx)
		}()
	}

	return c, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.config
}

// Register captures a new farmer registration and returns the pending record.
func (c *Client) Register(ctx context.Context, payload json.RawMessage) (*Record, error) {
	id, err := c.store.CreateRecord(ctx, payload)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("record registered", zap.String("temp_id", id))
	return c.store.Get(ctx, id)
}

// AttachChild adds a land parcel or crop to a registration.
func (c *Client) AttachChild(ctx context.Context, parentTempID string, kind ChildKind, payload json.RawMessage) (*Child, error) {
	return c.store.AttachChild(ctx, parentTempID, kind, payload)
}

// Get returns one record.
func (c *Client) Get(ctx context.Context, tempID string) (*Record, error) {
	return c.store.Get(ctx, tempID)
}

// Children returns the children of one record.
func (c *Client) Children(ctx context.Context, tempID string) ([]Child, error) {
	return c.store.Children(ctx, tempID)
}

// Pending returns records waiting for their first successful submission.
func (c *Client) Pending(ctx context.Context) ([]Record, error) {
	return c.store.ListPending(ctx)
}

// Failed returns records the remote rejected.
func (c *Client) Failed(ctx context.Context) ([]Record, error) {
	return c.store.ListFailed(ctx)
}

// Ledger returns the change history of one record.
func (c *Client) Ledger(ctx context.Context, tempID string) ([]LedgerEntry, error) {
	return c.store.Ledger(ctx, tempID)
}

// UpdatePayload edits a record that has not been synced yet.
func (c *Client) UpdatePayload(ctx context.Context, tempID string, payload json.RawMessage) error {
	return c.store.UpdatePayload(ctx, tempID, payload)
}

// Requeue moves one failed record back to pending.
func (c *Client) Requeue(ctx context.Context, tempID string) error {
	if err := c.store.Requeue(ctx, tempID); err != nil {
		return err
	}
	c.triggerSync()
	return nil
}

// RetryFailed moves every failed record back to pending and returns how many moved.
// A background scheduler, if running, is asked to sync right away.
func (c *Client) RetryFailed(ctx context.Context) (int, error) {
	n, err := c.store.RequeueFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.triggerSync()
	}
	return n, nil
}

func (c *Client) triggerSync() {
	if c.scheduler != nil {
		c.scheduler.Trigger()
	}
}

// Stats returns store statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	return c.store.Stats(ctx)
}

// Sync runs one sync cycle now. It returns ErrOffline when no remote is configured.
// Cycle failures are reported in the result, not as an error.
func (c *Client) Sync(ctx context.Context) (*CycleResult, error) {
	if c.engine == nil {
		return nil, ErrOffline
	}
	return c.engine.RunCycle(ctx), nil
}

// SyncState returns the phase of the running cycle.
func (c *Client) SyncState() EngineState {
	if c.engine == nil {
		return StateIdle
	}
	return c.engine.State()
}

// RemoteStatus lists farmers changed on the remote side since the last sync.
func (c *Client) RemoteStatus(ctx context.Context) (*RemoteStatus, error) {
	if c.remote == nil {
		return nil, ErrOffline
	}

	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	since := stats.LastSync
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}

	resp, err := c.remote.Status(ctx, since)
	if err != nil {
		return nil, toTransportError(err)
	}

	status := &RemoteStatus{
		LastSync:     resp.LastSync,
		CurrentTime:  resp.CurrentTime,
		UpdatesCount: resp.UpdatesCount,
		Farmers:      make([]RemoteUpdate, 0, len(resp.Farmers)),
	}
	for _, f := range resp.Farmers {
		status.Farmers = append(status.Farmers, RemoteUpdate{FarmerID: f.FarmerID, UpdatedAt: f.UpdatedAt, Status: f.Status})
	}
	return status, nil
}

// Export writes records and their children as JSON to w.
func (c *Client) Export(ctx context.Context, filter ExportFilter, w io.Writer) error {
	return c.store.ExportJSON(ctx, c.config.Workspace, filter, w)
}

// Backup writes a copy of the local database to destPath.
func (c *Client) Backup(ctx context.Context, destPath string) error {
	return c.store.Backup(ctx, destPath)
}

// HealthCheck returns the health status of the client.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		StoreOK: true,
	}

	if _, err := c.store.Stats(ctx); err != nil {
		status.StoreOK = false
		status.Healthy = false
		status.Error = err.Error()
		return status
	}

	if c.prober != nil {
		status.RemoteReachable = c.prober.IsReachable(ctx)
	}

	return status
}

// Close stops background sync, makes one final attempt to flush pending
// records unless WithoutCloseFlush was given, and closes the store.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.stopSync != nil {
		c.stopSync()
		select {
		case <-c.syncDone:
		case <-time.After(5 * time.Second):
			c.logger.Warn("background sync did not stop in time")
		}
	}

	if c.engine != nil && !c.noFlush {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		result := c.engine.RunCycle(ctx)
		cancel()
		if result.Outcome == CycleCompleted && result.Synced > 0 {
			c.logger.Info("flushed pending records on close", zap.Int("synced", result.Synced))
		}
	}

	err := c.store.Close()
	_ = c.logger.Sync()
	return err
}
