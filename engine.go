// Package projexsync is an offline-first synchronization engine for
// multi-tenant project data. Writes are pushed to a remote tabular store
// with idempotent upserts; failures fall back to a durable local mutation
// queue flushed on a fixed tick with per-item exponential backoff.
// Client-minted temporary identifiers are promoted to UUIDs before any
// write leaves the process, and concurrent edits on conflict-sensitive
// entities are detected with a last-write-wins timestamp comparison.
package projexsync

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/projexhq/projex-sync/internal/conflict"
	"github.com/projexhq/projex-sync/internal/errors"
	"github.com/projexhq/projex-sync/internal/logging"
	"github.com/projexhq/projex-sync/internal/mapper"
	"github.com/projexhq/projex-sync/internal/models"
	"github.com/projexhq/projex-sync/internal/queue"
	"github.com/projexhq/projex-sync/internal/realtime"
	"github.com/projexhq/projex-sync/internal/remote"
	"github.com/projexhq/projex-sync/internal/scheduler"
	"github.com/projexhq/projex-sync/internal/store"
)

// remoteStore is the slice of the remote client the engine uses. Satisfied
// by *remote.Client.
type remoteStore interface {
	Select(ctx context.Context, table string, filters remote.Filters, columns string) ([]mapper.Row, error)
	SelectSingle(ctx context.Context, table string, filters remote.Filters, columns string) (mapper.Row, error)
	Upsert(ctx context.Context, table string, rows []mapper.Row) error
	Insert(ctx context.Context, table string, rows []mapper.Row) error
	Delete(ctx context.Context, table string, filters remote.Filters) error
}

// IdentityProvider creates authentication identities for the two-phase user
// write. Satisfied by *remote.AuthClient.
type IdentityProvider interface {
	EnsureIdentity(ctx context.Context, email, password, name, tenantID, role string) (string, error)
}

// Service is the synchronization engine. All dependencies are injected at
// construction; there is no package-level instance.
type Service struct {
	cfg    Config
	logger *logging.Logger

	remote   remoteStore
	auth     IdentityProvider
	storage  store.Storage
	queue    *queue.MutationQueue
	flusher  *scheduler.Flusher
	detector *conflict.Detector
	channels *realtime.Manager

	permissions *permissionNotifier
	security    *debouncer

	ownStorage bool
	now        func() time.Time
}

// Option customizes Service construction.
type Option func(*Service)

// WithStorage injects a durable storage implementation, replacing the
// default SQLite store. The caller keeps ownership and must close it.
func WithStorage(st store.Storage) Option {
	return func(s *Service) { s.storage = st }
}

// WithIdentityProvider injects the identity endpoint client.
func WithIdentityProvider(p IdentityProvider) Option {
	return func(s *Service) { s.auth = p }
}

// WithLogger injects a logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New builds a Service from cfg. When the remote endpoint is not configured
// the engine still constructs: writes reconcile identifiers, queue for a
// later configured start, and reject with SYNC_OFFLINE; reads fail with
// SYNC_NOT_CONFIGURED.
func New(cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = logging.New(os.Stdout, logging.LogLevel(strings.ToUpper(cfg.LogLevel)))
	}

	if s.storage == nil {
		st, err := store.Open(cfg.DataDir)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to open local store", err)
		}
		s.storage = st
		s.ownStorage = true
	}

	s.queue = queue.New(s.storage, s.logger)
	if err := s.queue.Load(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to rehydrate mutation queue", err)
	}

	if cfg.Configured() {
		s.remote = remote.NewClient(remote.Config{
			BaseURL: cfg.RemoteURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.RequestTimeout(),
		})
		if s.auth == nil && cfg.AuthURL != "" {
			s.auth = remote.NewAuthClient(cfg.AuthURL, cfg.APIKey, cfg.RequestTimeout())
		}
		if cfg.RealtimeURL != "" {
			s.channels = realtime.NewManager(cfg.RealtimeURL, cfg.APIKey, s.logger)
		}
	} else {
		s.logger.Warn("Remote store not configured, running local-only", nil)
	}

	s.detector = conflict.NewDetector(&headFetcher{client: s.remote}, s.logger)
	s.flusher = scheduler.New(s.queue, s.applyQueued, cfg.FlushInterval(), s.logger)
	s.permissions = newPermissionNotifier(s.logger)
	s.security = newDebouncer(securityLogWindow)

	return s, nil
}

// Start launches the background queue flusher. A no-op in local-only mode.
func (s *Service) Start(ctx context.Context) {
	if s.remote == nil {
		return
	}
	s.flusher.Start(ctx)
}

// Shutdown stops background work, tears down realtime channels and closes
// engine-owned storage.
func (s *Service) Shutdown() error {
	s.flusher.Stop()
	if s.channels != nil {
		s.channels.UnsubscribeAll()
	}
	if s.ownStorage {
		if closer, ok := s.storage.(*store.SQLite); ok {
			return closer.Close()
		}
	}
	return nil
}

// IsAvailable reports whether the remote store is configured.
func (s *Service) IsAvailable() bool {
	return s.remote != nil
}

// QueueSize returns the number of pending offline mutations.
func (s *Service) QueueSize() int {
	return s.queue.Size()
}

// PendingMutations returns a copy of the queued mutations in enqueue order.
func (s *Service) PendingMutations() []*queue.Item {
	return s.queue.Snapshot()
}

// ClearQueue discards every pending mutation. The dropped writes are lost;
// intended for support tooling, not the normal sync path.
func (s *Service) ClearQueue() error {
	return s.queue.Clear()
}

// ClearQueueItem discards one pending mutation by its queue item ID,
// reporting whether it was present.
func (s *Service) ClearQueueItem(id string) (bool, error) {
	return s.queue.Remove(id)
}

// ForceSync flushes the mutation queue immediately, waiting for any
// in-flight flush cycle first.
func (s *Service) ForceSync(ctx context.Context) error {
	if s.remote == nil {
		return errors.New(errors.ErrSyncNotConfigured, "remote store not configured")
	}
	s.flusher.Flush(ctx)
	return nil
}

// applyQueued attempts one queued mutation against the remote store. It is
// the scheduler's apply hook. Payloads that can never become applicable are
// dropped by returning nil so the queue does not spin on them.
func (s *Service) applyQueued(ctx context.Context, item *queue.Item) error {
	if s.remote == nil {
		return errors.New(errors.ErrSyncNotConfigured, "remote store not configured")
	}

	var err error
	switch item.Action {
	case queue.ActionDelete:
		err = s.applyQueuedDelete(ctx, item)
	case queue.ActionCreate, queue.ActionUpdate:
		if item.Table == models.TableUsers && item.Action == queue.ActionCreate {
			err = s.applyQueuedUserCreate(ctx, item)
		} else {
			err = s.applyQueuedUpsert(ctx, item)
		}
	default:
		s.logger.Error("Dropping queued mutation with unknown action", nil,
			map[string]interface{}{"item_id": item.ID, "action": string(item.Action)})
		return nil
	}

	if err != nil && IsPermissionError(err) {
		s.permissions.Notify(err)
	}
	return err
}

func (s *Service) applyQueuedUpsert(ctx context.Context, item *queue.Item) error {
	row, err := mapper.RowFromPayload(item.Table, item.Payload, item.TenantID)
	if err != nil {
		s.logger.Error("Dropping queued mutation with invalid payload", err,
			map[string]interface{}{"item_id": item.ID, "table": item.Table.String()})
		return nil
	}
	return s.remote.Upsert(ctx, item.Table.String(), []mapper.Row{row})
}

func (s *Service) applyQueuedDelete(ctx context.Context, item *queue.Item) error {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(item.Payload, &ref); err != nil || ref.ID == "" {
		s.logger.Error("Dropping queued delete without entity id", err,
			map[string]interface{}{"item_id": item.ID, "table": item.Table.String()})
		return nil
	}
	return s.remote.Delete(ctx, item.Table.String(), remote.Filters{"id": ref.ID})
}

// applyQueuedUserCreate replays the two-phase user write: identity first,
// profile row second. Identity creation is idempotent by email, so a replay
// after a half-completed attempt converges on the existing identity.
func (s *Service) applyQueuedUserCreate(ctx context.Context, item *queue.Item) error {
	var u models.User
	if err := json.Unmarshal(item.Payload, &u); err != nil {
		s.logger.Error("Dropping queued user create with invalid payload", err,
			map[string]interface{}{"item_id": item.ID})
		return nil
	}

	if u.Password != "" && s.auth != nil {
		identityID, err := s.auth.EnsureIdentity(ctx, u.Email, u.Password, u.Name, item.TenantID, u.Role)
		if err != nil {
			return err
		}
		u.ID = identityID
	}
	u.Password = ""

	row, err := mapper.UserToRow(&u, item.TenantID)
	if err != nil {
		s.logger.Error("Dropping queued user create with invalid profile", err,
			map[string]interface{}{"item_id": item.ID})
		return nil
	}
	return s.remote.Upsert(ctx, models.TableUsers.String(), []mapper.Row{row})
}

// headFetcher adapts the remote client to the conflict detector, fetching
// only the write timestamp and version of a row.
type headFetcher struct {
	client remoteStore
}

func (f *headFetcher) FetchHead(ctx context.Context, table models.Table, id string) (*conflict.Head, error) {
	if f.client == nil {
		return nil, errors.New(errors.ErrSyncNotConfigured, "remote store not configured")
	}

	row, err := f.client.SelectSingle(ctx, table.String(), remote.Filters{"id": id}, "updated_at,version_number")
	if err != nil {
		return nil, err
	}

	head := &conflict.Head{}
	if v, ok := row["updated_at"].(string); ok {
		head.UpdatedAt = v
	}
	if v, ok := row["version_number"].(float64); ok {
		head.VersionNumber = int(v)
	}
	return head, nil
}
