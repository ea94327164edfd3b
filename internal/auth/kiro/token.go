// Package kiro manages Kiro OAuth credentials: on-disk storage, token
// refresh for both social and builder-id accounts, and the device-code
// acquisition flow.
package kiro

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/sjson"
)

// Credentials is the persisted OAuth state for one account.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
	Region       string `json:"region,omitempty"`
}

// AuthMethodSocial and AuthMethodBuilderID are the two supported account
// kinds; they select the refresh endpoint and request shape.
const (
	AuthMethodSocial    = "social"
	AuthMethodBuilderID = "builder-id"

	// DefaultRegion substitutes into endpoint templates when the
	// credentials file does not carry a region.
	DefaultRegion = "us-east-1"

	// CredsBlobEnv carries a Base64-encoded credentials JSON blob used to
	// seed an account whose credentials file does not exist yet.
	CredsBlobEnv = "KIRO_CREDS_BLOB"
)

// EffectiveRegion returns the credential's region, falling back to the
// profile ARN's region segment, then the default.
func (c *Credentials) EffectiveRegion() string {
	if strings.TrimSpace(c.Region) != "" {
		return c.Region
	}
	if region := regionFromProfileArn(c.ProfileArn); region != "" {
		return region
	}
	return DefaultRegion
}

// regionFromProfileArn pulls the region segment out of a profile ARN.
func regionFromProfileArn(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) <= 3 {
		return ""
	}
	region := parts[3]
	for _, prefix := range []string{"us", "eu", "ap"} {
		if strings.HasPrefix(region, prefix) {
			return region
		}
	}
	return ""
}

// ExpiryTime parses expiresAt; the zero time means unknown.
func (c *Credentials) ExpiryTime() time.Time {
	if c.ExpiresAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsExpiryNear reports whether the access token expires within the
// threshold. Unknown expiry counts as near so the heartbeat refreshes it.
func (c *Credentials) IsExpiryNear(threshold time.Duration) bool {
	expiry := c.ExpiryTime()
	if expiry.IsZero() {
		return true
	}
	return !expiry.After(time.Now().Add(threshold))
}

// LoadCredentials reads and decodes an account's credentials file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kiro auth: read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("kiro auth: decode credentials %s: %w", path, err)
	}
	return &creds, nil
}

// DecodeCredentialsBlob adopts a Base64-encoded credentials JSON blob, the
// bootstrap path for accounts supplied via environment instead of a file.
func DecodeCredentialsBlob(blob string) (*Credentials, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return nil, fmt.Errorf("kiro auth: decode credentials blob: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(decoded, &creds); err != nil {
		return nil, fmt.Errorf("kiro auth: parse credentials blob: %w", err)
	}
	return &creds, nil
}

// SaveCredentials writes a complete credentials file atomically.
func SaveCredentials(path string, creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("kiro auth: encode credentials: %w", err)
	}
	return writeFileAtomic(path, data)
}

// MergeCredentialFields overwrites only the given fields in the credentials
// file, preserving unrelated keys other tools may have written.
func MergeCredentialFields(path string, fields map[string]any) error {
	doc := "{}"
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		doc = string(data)
	}
	var err error
	for key, value := range fields {
		doc, err = sjson.Set(doc, key, value)
		if err != nil {
			return fmt.Errorf("kiro auth: merge %s: %w", key, err)
		}
	}
	return writeFileAtomic(path, []byte(doc))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("kiro auth: ensure dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("kiro auth: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("kiro auth: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("kiro auth: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("kiro auth: rename: %w", err)
	}
	return nil
}
