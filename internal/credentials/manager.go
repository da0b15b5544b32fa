// Package credentials manages the pool of outbound credentials used to call the
// image generation service.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lumora/backend/internal/config"
	"github.com/lumora/backend/internal/models"
)

var (
	ErrNoCredentialsAvailable = errors.New("no credentials available")
	ErrNotFound               = errors.New("credential not found")
	ErrInvalidInput           = errors.New("invalid credential input")
)

const testAllLimit = 4

type Store interface {
	ListActive(ctx context.Context) ([]*models.Credential, error)
	List(ctx context.Context) ([]*models.Credential, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Credential, error)
	Insert(ctx context.Context, label, secretRef string) (*models.Credential, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	RecordSuccess(ctx context.Context, id uuid.UUID) error
	RecordFailure(ctx context.Context, id uuid.UUID, threshold int, detail string) (count int, disabled bool, err error)
}

// Prober makes a cheap authenticated call with a secret.
type Prober interface {
	Ping(ctx context.Context, secret string) error
}

// Lease is an acquired credential with its resolved secret.
type Lease struct {
	ID     uuid.UUID
	Label  string
	Secret string
}

type TestResult struct {
	ID        uuid.UUID `json:"id"`
	Label     string    `json:"label"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
}

// Manager keeps an in-memory copy of the active credentials, refreshed in the
// background, and picks among them uniformly at random.
type Manager struct {
	store    Store
	resolver SecretResolver
	prober   Prober
	cfg      config.CredentialsConfig
	pick     func(n int) int
	log      *slog.Logger

	mu     sync.RWMutex
	active []*models.Credential

	lifecycle sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

type Option func(*Manager)

// WithPicker replaces the random index source; pick(n) must return a value in [0, n).
func WithPicker(pick func(n int) int) Option {
	return func(m *Manager) { m.pick = pick }
}

func NewManager(store Store, resolver SecretResolver, prober Prober, cfg config.CredentialsConfig, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if resolver == nil {
		resolver = EnvResolver{}
	}
	m := &Manager{
		store:    store,
		resolver: resolver,
		prober:   prober,
		cfg:      cfg,
		pick:     rand.IntN,
		log:      log,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Init loads the active set and starts the refresh loop. Calling Init on a running Manager is a no-op.
func (m *Manager) Init(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.stop != nil {
		return nil
	}
	if err := m.Reload(ctx); err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.refreshLoop(m.stop, m.done)
	m.log.Info("credential pool started", "active", m.ActiveCount())
	return nil
}

// Shutdown stops the refresh loop and waits for it to exit.
func (m *Manager) Shutdown() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
	m.stop, m.done = nil, nil
}

func (m *Manager) refreshLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := m.cfg.RefreshInterval.Duration
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := m.Reload(ctx); err != nil {
				m.log.Warn("credential refresh failed", "error", err)
			}
			cancel()
		}
	}
}

// Reload replaces the cached active set from the store.
func (m *Manager) Reload(ctx context.Context) error {
	list, err := m.store.ListActive(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.active = list
	m.mu.Unlock()
	return nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Acquire returns a uniformly random active credential.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	return m.AcquireExcept(ctx, nil)
}

// AcquireExcept is Acquire that skips the given ids, used when retrying on another credential.
func (m *Manager) AcquireExcept(ctx context.Context, skip map[uuid.UUID]bool) (*Lease, error) {
	if m.ActiveCount() == 0 {
		if err := m.Reload(ctx); err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	candidates := make([]*models.Credential, 0, len(m.active))
	for _, c := range m.active {
		if !skip[c.ID] {
			candidates = append(candidates, c)
		}
	}
	m.mu.RUnlock()
	if len(candidates) == 0 {
		return nil, ErrNoCredentialsAvailable
	}
	c := candidates[m.pick(len(candidates))]
	secret, err := m.resolver.Resolve(c.SecretRef)
	if err != nil {
		m.log.Error("credential secret unresolvable", "credential_id", c.ID, "secret_ref", c.Redacted(), "error", err)
		_ = m.ReportOutcome(ctx, c.ID, false, "secret unresolvable")
		return nil, fmt.Errorf("credential %s: %w", c.ID, err)
	}
	return &Lease{ID: c.ID, Label: c.Label, Secret: secret}, nil
}

// ReportOutcome records the result of a call made with a credential. Failures accumulate
// until the configured threshold disables it; a success clears the count.
func (m *Manager) ReportOutcome(ctx context.Context, id uuid.UUID, success bool, detail string) error {
	if success {
		return m.store.RecordSuccess(ctx, id)
	}
	count, disabled, err := m.store.RecordFailure(ctx, id, m.cfg.FailureThreshold, detail)
	if err != nil {
		return err
	}
	if disabled {
		m.evict(id)
		m.log.Warn("credential disabled after repeated failures", "credential_id", id, "failure_count", count, "last_error", detail)
	}
	return nil
}

func (m *Manager) evict(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.active[:0:0]
	for _, c := range m.active {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	m.active = kept
}

func (m *Manager) List(ctx context.Context) ([]*models.Credential, error) {
	return m.store.List(ctx)
}

func (m *Manager) Add(ctx context.Context, label, secretRef string) (*models.Credential, error) {
	if secretRef == "" {
		return nil, fmt.Errorf("%w: secret_ref is required", ErrInvalidInput)
	}
	c, err := m.store.Insert(ctx, label, secretRef)
	if err != nil {
		return nil, err
	}
	m.log.Info("credential added", "credential_id", c.ID, "label", label, "secret_ref", c.Redacted())
	return c, m.Reload(ctx)
}

func (m *Manager) Remove(ctx context.Context, id uuid.UUID) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.evict(id)
	m.log.Info("credential removed", "credential_id", id)
	return nil
}

func (m *Manager) Disable(ctx context.Context, id uuid.UUID) error {
	if err := m.store.SetStatus(ctx, id, models.CredentialDisabled); err != nil {
		return err
	}
	m.evict(id)
	return nil
}

func (m *Manager) Enable(ctx context.Context, id uuid.UUID) error {
	if err := m.store.SetStatus(ctx, id, models.CredentialActive); err != nil {
		return err
	}
	return m.Reload(ctx)
}

// Test probes one credential and records the outcome.
func (m *Manager) Test(ctx context.Context, id uuid.UUID) (*TestResult, error) {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.probe(ctx, c), nil
}

func (m *Manager) probe(ctx context.Context, c *models.Credential) *TestResult {
	res := &TestResult{ID: c.ID, Label: c.Label}
	start := time.Now()
	secret, err := m.resolver.Resolve(c.SecretRef)
	if err == nil {
		err = m.prober.Ping(ctx, secret)
	}
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
	} else {
		res.OK = true
	}
	if rerr := m.ReportOutcome(ctx, c.ID, res.OK, res.Error); rerr != nil {
		m.log.Warn("recording credential test failed", "credential_id", c.ID, "error", rerr)
	}
	return res
}

// TestAll probes every credential, a few at a time.
func (m *Manager) TestAll(ctx context.Context) ([]*TestResult, error) {
	list, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]*TestResult, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(testAllLimit)
	for i, c := range list {
		g.Go(func() error {
			results[i] = m.probe(gctx, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, m.Reload(ctx)
}
