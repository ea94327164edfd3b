// Package pool manages the Kiro account pool: LRU selection, error-budget
// health tracking, debounced persistence, and periodic probes.
package pool

import (
	"time"

	"github.com/google/uuid"

	"github.com/kirogate/kirogate/internal/translator/kiro"
)

// Account is one Kiro identity in the pool. Dates serialize as RFC3339.
type Account struct {
	UUID            string `json:"uuid"`
	CredentialsPath string `json:"credentialsPath"`
	Region          string `json:"region,omitempty"`
	AuthMethod      string `json:"authMethod,omitempty"`
	ProfileArn      string `json:"profileArn,omitempty"`
	ClientID        string `json:"clientId,omitempty"`
	ClientSecret    string `json:"clientSecret,omitempty"`

	NotSupportedModels []string `json:"notSupportedModels,omitempty"`
	CheckHealth        bool     `json:"checkHealth"`
	CheckModelName     string   `json:"checkModelName,omitempty"`

	UsageCount           int    `json:"usageCount"`
	ErrorCount           int    `json:"errorCount"`
	LastUsed             string `json:"lastUsed,omitempty"`
	LastErrorTime        string `json:"lastErrorTime,omitempty"`
	LastErrorMessage     string `json:"lastErrorMessage,omitempty"`
	LastHealthCheckTime  string `json:"lastHealthCheckTime,omitempty"`
	LastHealthCheckModel string `json:"lastHealthCheckModel,omitempty"`

	IsHealthy  bool `json:"isHealthy"`
	IsDisabled bool `json:"isDisabled"`
}

// NewAccount creates a healthy account with a fresh UUID.
func NewAccount(credentialsPath, authMethod, region string) *Account {
	return &Account{
		UUID:            uuid.NewString(),
		CredentialsPath: credentialsPath,
		AuthMethod:      authMethod,
		Region:          region,
		IsHealthy:       true,
	}
}

// SupportsModel reports whether the account may serve the given model.
func (a *Account) SupportsModel(model string) bool {
	if model == "" {
		return true
	}
	for _, excluded := range a.NotSupportedModels {
		if excluded == model {
			return false
		}
	}
	return true
}

// ProbeModel is the model health probes use for this account.
func (a *Account) ProbeModel() string {
	if a.CheckModelName != "" {
		return a.CheckModelName
	}
	return kiro.DefaultProbeModel
}

// lastUsedTime parses LastUsed; never-used accounts yield the zero time,
// which sorts first under LRU.
func (a *Account) lastUsedTime() time.Time {
	return parseRFC3339(a.LastUsed)
}

func (a *Account) lastErrorTime() time.Time {
	return parseRFC3339(a.LastErrorTime)
}

func parseRFC3339(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
