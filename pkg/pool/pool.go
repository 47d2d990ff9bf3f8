// Package pool implements the credential pool manager: ordered selection
// over the persisted credentials, single-flight token refresh, failure
// accounting with automatic disable, and cooldown-based recovery.
package pool

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cecil-the-coder/kiro-gateway/pkg/fingerprint"
	"github.com/cecil-the-coder/kiro-gateway/pkg/store"
	"github.com/cecil-the-coder/kiro-gateway/pkg/types"
)

const (
	// DefaultMaxFailures is the consecutive-failure count at which a
	// credential is disabled.
	DefaultMaxFailures = 3

	// DefaultCooldown is how long a disabled credential rests before the
	// acquire path may re-enable it.
	DefaultCooldown = 300 * time.Second
)

// Refresher abstracts the upstream refresh and usage clients so tests can
// substitute a fake.
type Refresher interface {
	Refresh(ctx context.Context, cred types.Credential) (types.Credential, error)
	UsageLimits(ctx context.Context, cred types.Credential, accessToken string) (types.UsageLimits, error)
}

// Config tunes the pool manager. Zero values select the defaults.
type Config struct {
	MaxFailures int
	Cooldown    time.Duration
}

// CallContext is one acquired credential, ready for an upstream call. The
// embedded credential is a value snapshot taken at acquire time.
type CallContext struct {
	ID         int64
	Credential types.Credential
	Token      string
}

// Snapshot is a point-in-time view of the pool for the admin surface.
type Snapshot struct {
	Credentials []types.Credential
	CurrentID   int64
	Total       int
	Enabled     int
}

// Manager coordinates credential selection and refresh over the store.
type Manager struct {
	store     *store.Store
	refresher Refresher

	maxFailures int
	cooldown    time.Duration

	// mu guards currentID, the id of the preferred credential. Zero means
	// no credential is selected.
	mu        sync.Mutex
	currentID int64

	// refreshSem serializes token refresh across goroutines so a burst of
	// concurrent requests performs exactly one upstream refresh.
	refreshSem *semaphore.Weighted
}

// New builds a manager and selects the initial credential.
func New(st *store.Store, refresher Refresher, config Config) (*Manager, error) {
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultMaxFailures
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCooldown
	}

	m := &Manager{
		store:       st,
		refresher:   refresher,
		maxFailures: config.MaxFailures,
		cooldown:    config.Cooldown,
		refreshSem:  semaphore.NewWeighted(1),
	}

	initial, err := st.HighestPriorityEnabled()
	if err != nil {
		return nil, err
	}
	if initial != nil {
		m.currentID = initial.ID
		log.Printf("pool: selected credential #%d (priority %d)", initial.ID, initial.Priority)
	} else {
		log.Printf("pool: no enabled credentials at startup")
	}
	return m, nil
}

// Store exposes the underlying store for the admin surface.
func (m *Manager) Store() *store.Store {
	return m.store
}

// AcquireContext returns a credential with a valid access token, rotating
// through enabled credentials until one yields a usable token. The number
// of attempts per call is bounded by the pool size.
func (m *Manager) AcquireContext(ctx context.Context) (*CallContext, error) {
	// Opportunistically re-enable credentials whose cooldown has elapsed.
	if n, err := m.store.TryRecoverDisabled(m.cooldown); err != nil {
		log.Printf("pool: cooldown recovery sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("pool: re-enabled %d credential(s) after cooldown", n)
	}

	// The try budget is the full pool size, not the enabled count: a stale
	// current selection may burn an iteration on a credential that was
	// disabled concurrently.
	total, err := m.store.CountAll()
	if err != nil {
		return nil, types.NewStoreError("count_all", err)
	}
	if total == 0 {
		return nil, types.NewPoolError(types.ErrCodeNoUsableCredential, "no credentials configured")
	}
	enabled, err := m.store.CountEnabled()
	if err != nil {
		return nil, types.NewStoreError("count_enabled", err)
	}
	if enabled == 0 {
		return nil, types.NewPoolError(types.ErrCodeAllDisabled, "all credentials are disabled")
	}

	var lastErr error
	for tried := 0; tried < total; tried++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id := m.selectCurrent()
		if id == 0 {
			break
		}

		cred, err := m.store.Get(id)
		if err != nil {
			return nil, types.NewStoreError("get", err)
		}
		if cred == nil || cred.Disabled {
			// Stale selection; drop it and pick again.
			m.advanceFrom(id)
			lastErr = types.NewPoolError(types.ErrCodeNoUsableCredential, "selected credential no longer usable")
			continue
		}

		refreshed, token, err := m.ensureToken(ctx, *cred)
		if err == nil {
			return &CallContext{ID: cred.ID, Credential: refreshed, Token: token}, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		log.Printf("pool: credential #%d unusable: %v", cred.ID, err)
		lastErr = err
		m.advanceFrom(cred.ID)
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, types.NewPoolError(types.ErrCodeNoUsableCredential, "no usable credential")
}

// selectCurrent returns the current credential id, selecting the highest
// priority enabled credential when nothing is selected.
func (m *Manager) selectCurrent() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentID != 0 {
		return m.currentID
	}
	best, err := m.store.HighestPriorityEnabled()
	if err != nil || best == nil {
		return 0
	}
	m.currentID = best.ID
	return m.currentID
}

// advanceFrom moves the selection off the given credential, if it is still
// the current one, to the next enabled credential in priority order.
func (m *Manager) advanceFrom(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentID != id {
		return
	}
	next, err := m.store.NextEnabledExcluding(id)
	if err != nil || next == nil {
		m.currentID = 0
		return
	}
	m.currentID = next.ID
	log.Printf("pool: switched from credential #%d to #%d", id, next.ID)
}

// ensureToken returns a valid access token for the credential, refreshing
// through the single-flight semaphore when needed. The returned snapshot
// reflects the post-refresh state.
func (m *Manager) ensureToken(ctx context.Context, cred types.Credential) (types.Credential, string, error) {
	now := time.Now()
	if cred.AccessToken != "" && !cred.NeedsRefresh(now) {
		return cred, cred.AccessToken, nil
	}

	if err := m.refreshSem.Acquire(ctx, 1); err != nil {
		return types.Credential{}, "", err
	}
	defer m.refreshSem.Release(1)

	// Re-read after acquiring: another goroutine may have refreshed while
	// we waited.
	latest, err := m.store.Get(cred.ID)
	if err != nil {
		return types.Credential{}, "", types.NewStoreError("get", err)
	}
	if latest == nil {
		return types.Credential{}, "", types.NewNotFoundError(cred.ID)
	}
	now = time.Now()
	if latest.AccessToken != "" && !latest.NeedsRefresh(now) {
		return *latest, latest.AccessToken, nil
	}

	refreshed, err := m.refresher.Refresh(ctx, *latest)
	if err != nil {
		return types.Credential{}, "", err
	}
	if refreshed.TokenExpired(time.Now()) {
		return types.Credential{}, "", types.NewPoolError(types.ErrCodeStillExpired,
			"access token still expired after refresh")
	}

	if err := m.store.Update(&refreshed); err != nil {
		return types.Credential{}, "", types.NewStoreError("update", err)
	}
	log.Printf("pool: refreshed token for credential #%d (expires %s)",
		refreshed.ID, refreshed.ExpiresAt.UTC().Format(time.RFC3339))
	return refreshed, refreshed.AccessToken, nil
}

// ReportSuccess records a successful upstream call, clearing the
// credential's consecutive-failure count.
func (m *Manager) ReportSuccess(id int64) {
	if _, err := m.store.ResetFailureCount(id); err != nil {
		log.Printf("pool: resetting failure count for #%d: %v", id, err)
	}
}

// ReportFailure records a failed upstream call. When the consecutive
// failure count reaches the limit the credential is disabled and the
// selection moves on. Returns whether any enabled credential remains.
func (m *Manager) ReportFailure(id int64) (bool, error) {
	count, err := m.store.IncrementFailureCount(id)
	if err != nil {
		return false, types.NewStoreError("increment_failure", err)
	}

	if count >= m.maxFailures {
		if _, err := m.store.SetDisabled(id, true); err != nil {
			return false, types.NewStoreError("set_disabled", err)
		}
		log.Printf("pool: credential #%d disabled after %d consecutive failures", id, count)
		m.reselectHighest()
	}

	enabled, err := m.store.CountEnabled()
	if err != nil {
		return false, types.NewStoreError("count_enabled", err)
	}
	return enabled > 0, nil
}

// SetDisabled enables or disables a credential. Enabling also clears the
// failure count. Disabling the current credential moves the selection on.
func (m *Manager) SetDisabled(id int64, disabled bool) error {
	var (
		ok  bool
		err error
	)
	if disabled {
		ok, err = m.store.SetDisabled(id, true)
	} else {
		ok, err = m.store.ResetAndEnable(id)
	}
	if err != nil {
		return types.NewStoreError("set_disabled", err)
	}
	if !ok {
		return types.NewNotFoundError(id)
	}

	if disabled {
		m.advanceFrom(id)
	} else {
		m.reselectHighest()
	}
	return nil
}

// SetPriority changes a credential's priority and re-selects so the change
// takes effect on the next acquire.
func (m *Manager) SetPriority(id int64, priority int) error {
	ok, err := m.store.SetPriority(id, priority)
	if err != nil {
		return types.NewStoreError("set_priority", err)
	}
	if !ok {
		return types.NewNotFoundError(id)
	}
	m.reselectHighest()
	return nil
}

// ResetAndEnable clears a credential's failure state and re-enables it.
func (m *Manager) ResetAndEnable(id int64) error {
	ok, err := m.store.ResetAndEnable(id)
	if err != nil {
		return types.NewStoreError("reset_and_enable", err)
	}
	if !ok {
		return types.NewNotFoundError(id)
	}
	m.reselectHighest()
	return nil
}

// reselectHighest re-evaluates the selection against current priorities.
func (m *Manager) reselectHighest() {
	m.mu.Lock()
	defer m.mu.Unlock()

	best, err := m.store.HighestPriorityEnabled()
	if err != nil || best == nil {
		m.currentID = 0
		return
	}
	m.currentID = best.ID
}

// Add validates and persists a new credential. A configured machine id
// must be a well-formed UUID, and an idc clientId may not already exist in
// the pool. The first credential becomes the current selection.
func (m *Manager) Add(ctx context.Context, cred types.Credential) (int64, error) {
	if cred.RefreshToken == "" {
		return 0, types.NewInvalidRequestError("refreshToken is required")
	}
	if cred.MachineID != "" && !fingerprint.IsValidMachineID(cred.MachineID) {
		return 0, types.NewInvalidRequestError("machineId must be a well-formed UUID")
	}
	if cred.ClientID != "" {
		exists, err := m.store.ClientIDExists(cred.ClientID)
		if err != nil {
			return 0, types.NewStoreError("client_id_exists", err)
		}
		if exists {
			return 0, types.NewInvalidRequestError("account already exists")
		}
	}

	id, err := m.store.Insert(&cred)
	if err != nil {
		return 0, types.NewStoreError("insert", err)
	}
	log.Printf("pool: added credential #%d (method %s, priority %d)", id, cred.ResolvedAuthMethod(), cred.Priority)

	m.mu.Lock()
	if m.currentID == 0 {
		m.currentID = id
	}
	m.mu.Unlock()

	// Best-effort balance probe, refreshing the token if needed; the
	// credential is usable regardless.
	if _, err := m.UsageLimitsFor(ctx, id); err != nil {
		log.Printf("pool: initial balance fetch for #%d failed: %v", id, err)
	}

	return id, nil
}

// Delete removes a credential and, if it was selected, moves on.
func (m *Manager) Delete(id int64) error {
	ok, err := m.store.Delete(id)
	if err != nil {
		return types.NewStoreError("delete", err)
	}
	if !ok {
		return types.NewNotFoundError(id)
	}

	m.mu.Lock()
	if m.currentID == id {
		m.currentID = 0
	}
	m.mu.Unlock()
	m.reselectHighest()
	return nil
}

// UsageLimitsFor fetches the current usage snapshot for one credential,
// refreshing its token first if needed, and persists the result.
func (m *Manager) UsageLimitsFor(ctx context.Context, id int64) (types.UsageLimits, error) {
	cred, err := m.store.Get(id)
	if err != nil {
		return types.UsageLimits{}, types.NewStoreError("get", err)
	}
	if cred == nil {
		return types.UsageLimits{}, types.NewNotFoundError(id)
	}

	refreshed, token, err := m.ensureToken(ctx, *cred)
	if err != nil {
		return types.UsageLimits{}, err
	}

	limits, err := m.refresher.UsageLimits(ctx, refreshed, token)
	if err != nil {
		return types.UsageLimits{}, err
	}

	if _, err := m.store.UpdateBalance(id, limits.SubscriptionTitle, limits.CurrentUsage, limits.UsageLimit, limits.NextDateReset); err != nil {
		log.Printf("pool: storing balance for #%d failed: %v", id, err)
	}
	return limits, nil
}

// SwitchToNext forces the selection to the next enabled credential and
// returns the new current id (zero when none remains).
func (m *Manager) SwitchToNext() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := m.store.NextEnabledExcluding(m.currentID)
	if err != nil || next == nil {
		m.currentID = 0
		return 0
	}
	m.currentID = next.ID
	return m.currentID
}

// CurrentID returns the id of the currently selected credential.
func (m *Manager) CurrentID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentID
}

// SnapshotState returns a point-in-time view of the pool.
func (m *Manager) SnapshotState() (*Snapshot, error) {
	creds, err := m.store.LoadAll()
	if err != nil {
		return nil, types.NewStoreError("load_all", err)
	}

	enabled := 0
	for i := range creds {
		if !creds[i].Disabled {
			enabled++
		}
	}

	return &Snapshot{
		Credentials: creds,
		CurrentID:   m.CurrentID(),
		Total:       len(creds),
		Enabled:     enabled,
	}, nil
}
