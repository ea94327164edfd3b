package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Endpoint templates; {region} is substituted from the credentials.
const (
	socialRefreshURLTemplate = "https://prod.{region}.auth.desktop.kiro.dev/refreshToken"
	idcTokenURLTemplate      = "https://oidc.{region}.amazonaws.com/token"
	generateURLTemplate      = "https://codewhisperer.{region}.amazonaws.com/generateAssistantResponse"
	usageURLTemplate         = "https://q.{region}.amazonaws.com/getUsageLimits"

	refreshTimeout = 30 * time.Second
)

// Manager owns one account's credentials: it loads them, answers expiry
// questions, and refreshes the access token through the endpoint matching
// the account's auth method.
type Manager struct {
	mu    sync.Mutex
	path  string
	creds *Credentials

	httpClient *http.Client

	// overridable in tests
	socialRefreshURL string
	idcTokenURL      string
	generateURL      string
	usageURL         string
}

// NewManager builds a manager around a credentials file path. The file is
// loaded lazily on first use.
func NewManager(path string) *Manager {
	return &Manager{
		path:       path,
		httpClient: &http.Client{Timeout: refreshTimeout},
	}
}

// NewManagerWithCredentials seeds a manager from an in-memory credential
// set, used for Base64-blob bootstrap.
func NewManagerWithCredentials(path string, creds *Credentials) *Manager {
	m := NewManager(path)
	m.creds = creds
	return m
}

// SetEndpoints overrides the refresh endpoints, for tests.
func (m *Manager) SetEndpoints(socialURL, idcURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.socialRefreshURL = socialURL
	m.idcTokenURL = idcURL
}

// SetServiceURLs overrides the generate and usage endpoints, for tests.
func (m *Manager) SetServiceURLs(generateURL, usageURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateURL = generateURL
	m.usageURL = usageURL
}

// Credentials returns a copy of the current credential state, loading the
// file on first access.
func (m *Manager) Credentials() (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	copied := *m.creds
	return &copied, nil
}

// AccessToken returns the current bearer token, loading lazily.
func (m *Manager) AccessToken() (string, error) {
	creds, err := m.Credentials()
	if err != nil {
		return "", err
	}
	if creds.AccessToken == "" {
		return "", NewAuthError(NotInitialized, "no access token")
	}
	return creds.AccessToken, nil
}

// IsExpiryNear reports whether the token expires within threshold.
func (m *Manager) IsExpiryNear(threshold time.Duration) bool {
	creds, err := m.Credentials()
	if err != nil {
		return true
	}
	return creds.IsExpiryNear(threshold)
}

// Refresh rotates the access token using the account's refresh token and
// merges the new fields into the credentials file.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLoadedLocked(); err != nil {
		return err
	}
	if strings.TrimSpace(m.creds.RefreshToken) == "" {
		return NewAuthError(NoRefreshToken, m.path)
	}

	var (
		url  string
		body map[string]any
	)
	if strings.EqualFold(m.creds.AuthMethod, AuthMethodBuilderID) {
		url = m.endpoint(m.idcTokenURL, idcTokenURLTemplate)
		body = map[string]any{
			"clientId":     m.creds.ClientID,
			"clientSecret": m.creds.ClientSecret,
			"refreshToken": m.creds.RefreshToken,
			"grantType":    "refresh_token",
		}
	} else {
		url = m.endpoint(m.socialRefreshURL, socialRefreshURLTemplate)
		body = map[string]any{"refreshToken": m.creds.RefreshToken}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kiro auth: encode refresh body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("kiro auth: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kiro auth: refresh round-trip: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return NewAuthError(RefreshRejected, fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	parsed := gjson.ParseBytes(respBody)
	accessToken := parsed.Get("accessToken").String()
	if accessToken == "" {
		return NewAuthError(RefreshRejected, "response carried no accessToken")
	}

	m.creds.AccessToken = accessToken
	merged := map[string]any{"accessToken": accessToken}
	if rt := parsed.Get("refreshToken").String(); rt != "" {
		m.creds.RefreshToken = rt
		merged["refreshToken"] = rt
	}
	if arn := parsed.Get("profileArn").String(); arn != "" {
		m.creds.ProfileArn = arn
		merged["profileArn"] = arn
	}
	// Without expiresIn the previous expiry stands.
	if expiresIn := parsed.Get("expiresIn"); expiresIn.Exists() && expiresIn.Int() > 0 {
		expiresAt := time.Now().Add(time.Duration(expiresIn.Int()) * time.Second).Format(time.RFC3339)
		m.creds.ExpiresAt = expiresAt
		merged["expiresAt"] = expiresAt
	}

	if err := MergeCredentialFields(m.path, merged); err != nil {
		log.Warnf("kiro auth: token refreshed but file merge failed for %s: %v", m.path, err)
	}
	log.Infof("kiro auth: refreshed token for %s (method=%s)", m.path, m.creds.AuthMethod)
	return nil
}

// GenerateURL returns the region-substituted generate endpoint.
func (m *Manager) GenerateURL() string {
	m.mu.Lock()
	override := m.generateURL
	m.mu.Unlock()
	if override != "" {
		return override
	}
	creds, err := m.Credentials()
	if err != nil {
		return substituteRegion(generateURLTemplate, DefaultRegion)
	}
	return substituteRegion(generateURLTemplate, creds.EffectiveRegion())
}

// UsageURL returns the region-substituted usage-limits endpoint.
func (m *Manager) UsageURL() string {
	m.mu.Lock()
	override := m.usageURL
	m.mu.Unlock()
	if override != "" {
		return override
	}
	creds, err := m.Credentials()
	if err != nil {
		return substituteRegion(usageURLTemplate, DefaultRegion)
	}
	return substituteRegion(usageURLTemplate, creds.EffectiveRegion())
}

func (m *Manager) ensureLoadedLocked() error {
	if m.creds != nil {
		return nil
	}
	creds, err := LoadCredentials(m.path)
	if err != nil {
		// Bootstrap path: a missing file may be seeded from an
		// environment-supplied Base64 blob.
		if blob := os.Getenv(CredsBlobEnv); blob != "" && errors.Is(err, os.ErrNotExist) {
			decoded, derr := DecodeCredentialsBlob(blob)
			if derr != nil {
				return NewAuthError(NotInitialized, derr.Error())
			}
			if serr := SaveCredentials(m.path, decoded); serr != nil {
				log.Warnf("kiro auth: blob adopted but persist failed for %s: %v", m.path, serr)
			}
			m.creds = decoded
			return nil
		}
		return NewAuthError(NotInitialized, err.Error())
	}
	m.creds = creds
	return nil
}

func (m *Manager) endpoint(override, template string) string {
	if override != "" {
		return override
	}
	return substituteRegion(template, m.creds.EffectiveRegion())
}

func substituteRegion(template, region string) string {
	return strings.ReplaceAll(template, "{region}", region)
}
