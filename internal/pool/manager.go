package pool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultMaxErrorCount is the error budget before an account turns
	// unhealthy.
	DefaultMaxErrorCount = 3

	// DefaultSaveDebounce coalesces mutation bursts into one flush.
	DefaultSaveDebounce = 1000 * time.Millisecond
)

// ErrNoAccount is returned when no healthy, enabled account matches.
var ErrNoAccount = fmt.Errorf("pool: no available account")

// Manager owns the account sequence and its persistence. All operations are
// safe for concurrent request handlers; the mutex is never held across
// network I/O.
type Manager struct {
	mu            sync.Mutex
	path          string
	accounts      []*Account
	shape         fileShape
	maxErrorCount int

	saveDebounce time.Duration
	saveTimer    *time.Timer
}

// NewManager loads the pool file and returns a manager over it.
func NewManager(path string, maxErrorCount int) (*Manager, error) {
	accounts, shape, err := loadAccounts(path)
	if err != nil {
		return nil, err
	}
	if maxErrorCount <= 0 {
		maxErrorCount = DefaultMaxErrorCount
	}
	m := &Manager{
		path:          path,
		accounts:      accounts,
		shape:         shape,
		maxErrorCount: maxErrorCount,
		saveDebounce:  DefaultSaveDebounce,
	}
	log.Infof("pool: loaded %d accounts from %s", len(accounts), path)
	return m, nil
}

// SetSaveDebounce overrides the flush delay, for tests.
func (m *Manager) SetSaveDebounce(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveDebounce = d
}

// Len returns the number of accounts in the pool.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// Select picks the least-recently-used healthy account that supports the
// requested model. Accounts in excluded are skipped (fallback re-selection).
// Unless skipUsageCount, selection charges usageCount and bumps lastUsed.
func (m *Manager) Select(requestedModel string, skipUsageCount bool, excluded map[string]bool) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		if !acct.IsHealthy || acct.IsDisabled {
			continue
		}
		if excluded[acct.UUID] {
			continue
		}
		if !acct.SupportsModel(requestedModel) {
			continue
		}
		candidates = append(candidates, acct)
	}
	if len(candidates) == 0 {
		return nil, ErrNoAccount
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ti, tj := candidates[i].lastUsedTime(), candidates[j].lastUsedTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return candidates[i].UsageCount < candidates[j].UsageCount
	})

	chosen := candidates[0]
	if !skipUsageCount {
		chosen.UsageCount++
		chosen.LastUsed = time.Now().Format(time.RFC3339)
		m.scheduleSaveLocked()
	}
	copied := *chosen
	return &copied, nil
}

// MarkHealthy records a successful call, clearing the error state. Usage
// was already charged by Select, so the request path never touches the
// counters; probes stamp the health-check fields and reset usageCount.
func (m *Manager) MarkHealthy(uuid string, probe bool, probeModel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.findLocked(uuid)
	if acct == nil {
		return
	}
	acct.IsHealthy = true
	acct.ErrorCount = 0
	acct.LastErrorTime = ""
	acct.LastErrorMessage = ""
	if probe {
		acct.LastHealthCheckTime = time.Now().Format(time.RFC3339)
		acct.LastHealthCheckModel = probeModel
		acct.UsageCount = 0
	}
	m.scheduleSaveLocked()
}

// MarkUnhealthy charges the error budget; at maxErrorCount the account
// turns unhealthy. lastUsed is bumped so LRU moves past the failing peer.
func (m *Manager) MarkUnhealthy(uuid string, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.findLocked(uuid)
	if acct == nil {
		return
	}
	now := time.Now().Format(time.RFC3339)
	acct.ErrorCount++
	acct.LastErrorTime = now
	acct.LastErrorMessage = message
	acct.LastUsed = now
	if acct.ErrorCount >= m.maxErrorCount {
		if acct.IsHealthy {
			log.Warnf("pool: account %s unhealthy after %d errors: %s", uuid, acct.ErrorCount, message)
		}
		acct.IsHealthy = false
	}
	m.scheduleSaveLocked()
}

// Add appends a new account (device-flow completion) and persists.
func (m *Manager) Add(acct *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = append(m.accounts, acct)
	m.scheduleSaveLocked()
	log.Infof("pool: added account %s (%s)", acct.UUID, acct.AuthMethod)
}

// Snapshot returns copies of all accounts for read-only consumers.
func (m *Manager) Snapshot() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, len(m.accounts))
	for i, acct := range m.accounts {
		copied := *acct
		out[i] = &copied
	}
	return out
}

// HealthSummary reports pool health for the provider_health endpoint.
// summaryHealth is false when the unhealthy ratio exceeds the threshold.
type HealthSummary struct {
	Total         int     `json:"total"`
	Healthy       int     `json:"healthy"`
	Unhealthy     int     `json:"unhealthy"`
	Disabled      int     `json:"disabled"`
	UnhealthRatio float64 `json:"unhealthRatio"`
	SummaryHealth bool    `json:"summaryHealth"`
}

// Health computes the pool-wide summary against an unhealthy-ratio
// threshold.
func (m *Manager) Health(unhealthRatioThreshold float64) HealthSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := HealthSummary{Total: len(m.accounts)}
	for _, acct := range m.accounts {
		switch {
		case acct.IsDisabled:
			summary.Disabled++
		case acct.IsHealthy:
			summary.Healthy++
		default:
			summary.Unhealthy++
		}
	}
	active := summary.Healthy + summary.Unhealthy
	if active > 0 {
		summary.UnhealthRatio = float64(summary.Unhealthy) / float64(active)
	}
	summary.SummaryHealth = summary.UnhealthRatio <= unhealthRatioThreshold
	return summary
}

// Flush writes the pool to disk immediately, cancelling any pending
// debounced save. Called on shutdown.
func (m *Manager) Flush() error {
	m.mu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	accounts := make([]*Account, len(m.accounts))
	for i, acct := range m.accounts {
		copied := *acct
		accounts[i] = &copied
	}
	path, shape := m.path, m.shape
	m.mu.Unlock()
	return saveAccounts(path, accounts, shape)
}

func (m *Manager) findLocked(uuid string) *Account {
	for _, acct := range m.accounts {
		if acct.UUID == uuid {
			return acct
		}
	}
	return nil
}

// scheduleSaveLocked arms (or re-uses) the debounce timer; mutations inside
// the window coalesce into one flush.
func (m *Manager) scheduleSaveLocked() {
	if m.saveTimer != nil {
		return
	}
	m.saveTimer = time.AfterFunc(m.saveDebounce, func() {
		m.mu.Lock()
		m.saveTimer = nil
		accounts := make([]*Account, len(m.accounts))
		for i, acct := range m.accounts {
			copied := *acct
			accounts[i] = &copied
		}
		path, shape := m.path, m.shape
		m.mu.Unlock()
		if err := saveAccounts(path, accounts, shape); err != nil {
			log.Errorf("pool: debounced save failed: %v", err)
		}
	})
}
