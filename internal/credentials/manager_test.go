package credentials

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lumora/backend/internal/config"
	"github.com/lumora/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu    sync.Mutex
	creds map[uuid.UUID]*models.Credential
	order []uuid.UUID
	loads int
}

func newFakeStore() *fakeStore {
	return &fakeStore{creds: map[uuid.UUID]*models.Credential{}}
}

func (f *fakeStore) seed(label, ref string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.creds[id] = &models.Credential{ID: id, Label: label, SecretRef: ref, Status: models.CredentialActive}
	f.order = append(f.order, id)
	return id
}

func (f *fakeStore) get(id uuid.UUID) models.Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.creds[id]
}

func (f *fakeStore) ListActive(context.Context) ([]*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	var out []*models.Credential
	for _, id := range f.order {
		if c, ok := f.creds[id]; ok && c.Status == models.CredentialActive {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) List(context.Context) ([]*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Credential
	for _, id := range f.order {
		if c, ok := f.creds[id]; ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) Get(_ context.Context, id uuid.UUID) (*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) Insert(_ context.Context, label, ref string) (*models.Credential, error) {
	id := f.seed(label, ref)
	return f.Get(context.Background(), id)
}

func (f *fakeStore) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.creds[id]; !ok {
		return ErrNotFound
	}
	delete(f.creds, id)
	return nil
}

func (f *fakeStore) SetStatus(_ context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	if status == models.CredentialActive {
		c.FailureCount = 0
	}
	return nil
}

func (f *fakeStore) RecordSuccess(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	c := f.creds[id]
	c.FailureCount, c.LastUsedAt, c.LastError = 0, &now, ""
	return nil
}

func (f *fakeStore) RecordFailure(_ context.Context, id uuid.UUID, threshold int, detail string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[id]
	if !ok {
		return 0, false, ErrNotFound
	}
	c.FailureCount++
	c.LastError = detail
	if c.FailureCount >= threshold {
		c.Status = models.CredentialDisabled
	}
	return c.FailureCount, c.Status == models.CredentialDisabled, nil
}

type fakeProber struct {
	bad map[string]bool
}

func (p fakeProber) Ping(_ context.Context, secret string) error {
	if p.bad[secret] {
		return errors.New("401 unauthorized")
	}
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() config.CredentialsConfig {
	return config.CredentialsConfig{FailureThreshold: 3, RefreshInterval: config.Duration{Duration: 10 * time.Millisecond}}
}

// ---------------------------------------------------------------------------
// Acquire
// ---------------------------------------------------------------------------

func TestAcquire_EmptyPool(t *testing.T) {
	m := NewManager(newFakeStore(), nil, fakeProber{}, testConfig(), quiet())
	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, ErrNoCredentialsAvailable)
}

func TestAcquire_UniformAmongActive(t *testing.T) {
	store := newFakeStore()
	a := store.seed("a", "key-a")
	b := store.seed("b", "key-b")
	c := store.seed("c", "key-c")
	require.NoError(t, store.SetStatus(context.Background(), c, models.CredentialDisabled))

	m := NewManager(store, nil, fakeProber{}, testConfig(), quiet())
	require.NoError(t, m.Reload(context.Background()))

	counts := map[uuid.UUID]int{}
	for i := 0; i < 2000; i++ {
		l, err := m.Acquire(context.Background())
		require.NoError(t, err)
		counts[l.ID]++
	}
	require.Zero(t, counts[c])
	require.InDelta(t, 1000, counts[a], 150)
	require.InDelta(t, 1000, counts[b], 150)
}

func TestAcquire_ResolvesEnvSecrets(t *testing.T) {
	t.Setenv("LUMORA_TEST_AI_KEY", "sk-live-123")
	store := newFakeStore()
	store.seed("env", "env:LUMORA_TEST_AI_KEY")
	m := NewManager(store, nil, fakeProber{}, testConfig(), quiet())

	l, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-live-123", l.Secret)
}

func TestAcquireExcept(t *testing.T) {
	store := newFakeStore()
	a := store.seed("a", "key-a")
	b := store.seed("b", "key-b")
	m := NewManager(store, nil, fakeProber{}, testConfig(), quiet(), WithPicker(func(int) int { return 0 }))

	l, err := m.AcquireExcept(context.Background(), map[uuid.UUID]bool{a: true})
	require.NoError(t, err)
	require.Equal(t, b, l.ID)

	_, err = m.AcquireExcept(context.Background(), map[uuid.UUID]bool{a: true, b: true})
	require.ErrorIs(t, err, ErrNoCredentialsAvailable)
}

// ---------------------------------------------------------------------------
// ReportOutcome
// ---------------------------------------------------------------------------

func TestReportOutcome_DisablesAtThreshold(t *testing.T) {
	store := newFakeStore()
	id := store.seed("flaky", "key")
	m := NewManager(store, nil, fakeProber{}, testConfig(), quiet())
	ctx := context.Background()
	require.NoError(t, m.Reload(ctx))

	require.NoError(t, m.ReportOutcome(ctx, id, false, "429"))
	require.NoError(t, m.ReportOutcome(ctx, id, false, "429"))
	require.Equal(t, 2, store.get(id).FailureCount)
	require.Equal(t, models.CredentialActive, store.get(id).Status)

	require.NoError(t, m.ReportOutcome(ctx, id, true, ""))
	require.Equal(t, 0, store.get(id).FailureCount)
	require.NotNil(t, store.get(id).LastUsedAt)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.ReportOutcome(ctx, id, false, "503"))
	}
	require.Equal(t, models.CredentialDisabled, store.get(id).Status)
	require.Equal(t, 3, store.get(id).FailureCount)
	require.Equal(t, 0, m.ActiveCount())

	_, err := m.Acquire(ctx)
	require.ErrorIs(t, err, ErrNoCredentialsAvailable)
}

func TestReportOutcome_ConcurrentFailuresCountEach(t *testing.T) {
	store := newFakeStore()
	id := store.seed("busy", "key")
	cfg := testConfig()
	cfg.FailureThreshold = 100
	m := NewManager(store, nil, fakeProber{}, cfg, quiet())

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.ReportOutcome(context.Background(), id, false, "timeout")
		}()
	}
	wg.Wait()
	require.Equal(t, 40, store.get(id).FailureCount)
}

// ---------------------------------------------------------------------------
// Admin and lifecycle
// ---------------------------------------------------------------------------

func TestAdminOperations(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, nil, fakeProber{bad: map[string]bool{"revoked": true}}, testConfig(), quiet())
	ctx := context.Background()

	_, err := m.Add(ctx, "empty", "")
	require.ErrorIs(t, err, ErrInvalidInput)

	good, err := m.Add(ctx, "good", "fresh")
	require.NoError(t, err)
	bad, err := m.Add(ctx, "bad", "revoked")
	require.NoError(t, err)
	require.Equal(t, 2, m.ActiveCount())

	results, err := m.TestAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, results[0].OK)
	require.False(t, results[1].OK)
	require.Equal(t, 1, store.get(bad.ID).FailureCount)

	require.NoError(t, m.Disable(ctx, good.ID))
	require.Equal(t, 1, m.ActiveCount())
	require.NoError(t, m.Enable(ctx, good.ID))
	require.Equal(t, 2, m.ActiveCount())

	require.NoError(t, m.Remove(ctx, bad.ID))
	require.Equal(t, 1, m.ActiveCount())
	require.ErrorIs(t, m.Remove(ctx, bad.ID), ErrNotFound)

	_, err = m.Test(ctx, bad.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLifecycle_RefreshAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	m := NewManager(store, nil, fakeProber{}, testConfig(), quiet())
	require.NoError(t, m.Init(context.Background()))
	require.NoError(t, m.Init(context.Background()))
	require.Equal(t, 0, m.ActiveCount())

	// added behind the manager's back; the refresh loop picks it up
	store.seed("late", "key")
	require.Eventually(t, func() bool { return m.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)

	m.Shutdown()
	m.Shutdown()
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("LUMORA_EMPTY_KEY", "")
	r := EnvResolver{}

	v, err := r.Resolve("literal-key")
	require.NoError(t, err)
	require.Equal(t, "literal-key", v)

	_, err = r.Resolve("env:LUMORA_EMPTY_KEY")
	require.Error(t, err)

	_, err = r.Resolve("")
	require.Error(t, err)
}

func TestRedacted(t *testing.T) {
	c := models.Credential{SecretRef: "sk-abcdef123456"}
	require.Equal(t, "****3456", c.Redacted())
	c.SecretRef = "abc"
	require.Equal(t, "****", c.Redacted())
}
