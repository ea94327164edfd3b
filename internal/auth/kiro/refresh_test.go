package kiro_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	kiro "github.com/kirogate/kirogate/internal/auth/kiro"
)

func writeCreds(t *testing.T, creds *kiro.Credentials) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, kiro.SaveCredentials(path, creds))
	return path
}

func TestManagerRefresh_Social(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "new-at",
			"refreshToken": "new-rt",
			"profileArn":   "arn:aws:new",
			"expiresIn":    3600,
		})
	}))
	defer upstream.Close()

	path := writeCreds(t, &kiro.Credentials{
		AccessToken:  "old-at",
		RefreshToken: "old-rt",
		AuthMethod:   kiro.AuthMethodSocial,
	})
	m := kiro.NewManager(path)
	m.SetEndpoints(upstream.URL, "")

	require.NoError(t, m.Refresh(context.Background()))

	assert.Equal(t, "old-rt", gjson.GetBytes(gotBody, "refreshToken").String())

	creds, err := m.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "new-at", creds.AccessToken)
	assert.Equal(t, "new-rt", creds.RefreshToken)
	assert.Equal(t, "arn:aws:new", creds.ProfileArn)
	assert.False(t, creds.IsExpiryNear(30*time.Minute))

	// The new fields land in the file too.
	onDisk, err := kiro.LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, "new-at", onDisk.AccessToken)
}

func TestManagerRefresh_BuilderID(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "idc-at",
			"expiresIn":   1800,
		})
	}))
	defer upstream.Close()

	path := writeCreds(t, &kiro.Credentials{
		RefreshToken: "rt",
		AuthMethod:   kiro.AuthMethodBuilderID,
		ClientID:     "cid",
		ClientSecret: "csec",
	})
	m := kiro.NewManager(path)
	m.SetEndpoints("", upstream.URL)

	require.NoError(t, m.Refresh(context.Background()))

	doc := gjson.ParseBytes(gotBody)
	assert.Equal(t, "cid", doc.Get("clientId").String())
	assert.Equal(t, "csec", doc.Get("clientSecret").String())
	assert.Equal(t, "refresh_token", doc.Get("grantType").String())

	creds, err := m.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "idc-at", creds.AccessToken)
	// Refresh token was not rotated, so the old one stands.
	assert.Equal(t, "rt", creds.RefreshToken)
}

func TestManagerRefresh_Failures(t *testing.T) {
	t.Run("No_Refresh_Token", func(t *testing.T) {
		path := writeCreds(t, &kiro.Credentials{AccessToken: "at", AuthMethod: kiro.AuthMethodSocial})
		m := kiro.NewManager(path)

		err := m.Refresh(context.Background())
		var ae *kiro.AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, kiro.NoRefreshToken, ae.Kind)
	})

	t.Run("Rejected_Surfaces_Body", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
		}))
		defer upstream.Close()

		path := writeCreds(t, &kiro.Credentials{RefreshToken: "rt", AuthMethod: kiro.AuthMethodSocial})
		m := kiro.NewManager(path)
		m.SetEndpoints(upstream.URL, "")

		err := m.Refresh(context.Background())
		var ae *kiro.AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, kiro.RefreshRejected, ae.Kind)
		assert.Contains(t, ae.Detail, "invalid_grant")
	})

	t.Run("Missing_File_Is_NotInitialized", func(t *testing.T) {
		m := kiro.NewManager(filepath.Join(t.TempDir(), "missing.json"))
		_, err := m.Credentials()
		var ae *kiro.AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, kiro.NotInitialized, ae.Kind)
	})

	t.Run("Expiry_Preserved_Without_ExpiresIn", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"accessToken": "new-at"})
		}))
		defer upstream.Close()

		prior := time.Now().Add(2 * time.Hour).Format(time.RFC3339)
		path := writeCreds(t, &kiro.Credentials{
			RefreshToken: "rt",
			AuthMethod:   kiro.AuthMethodSocial,
			ExpiresAt:    prior,
		})
		m := kiro.NewManager(path)
		m.SetEndpoints(upstream.URL, "")

		require.NoError(t, m.Refresh(context.Background()))
		creds, err := m.Credentials()
		require.NoError(t, err)
		assert.Equal(t, prior, creds.ExpiresAt)
	})
}

func TestManager_BlobBootstrap(t *testing.T) {
	blob := base64.StdEncoding.EncodeToString([]byte(
		`{"accessToken":"blob-at","refreshToken":"blob-rt","authMethod":"social"}`))
	t.Setenv(kiro.CredsBlobEnv, blob)

	path := filepath.Join(t.TempDir(), "creds.json")
	m := kiro.NewManager(path)

	creds, err := m.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "blob-at", creds.AccessToken)

	// The decoded blob is persisted so later runs load from the file.
	onDisk, err := kiro.LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, "blob-rt", onDisk.RefreshToken)
}

func TestSaveCredentials_Atomic(t *testing.T) {
	// The temp file must not linger after a save.
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	require.NoError(t, kiro.SaveCredentials(path, &kiro.Credentials{AccessToken: "at"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
