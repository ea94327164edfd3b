package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kirogate/kirogate/internal/api"
	authkiro "github.com/kirogate/kirogate/internal/auth/kiro"
	"github.com/kirogate/kirogate/internal/config"
	"github.com/kirogate/kirogate/internal/pool"
	"github.com/kirogate/kirogate/internal/runtime/executor"
)

type gatewayFixture struct {
	handler http.Handler
	pool    *pool.Manager
}

// newGateway stands up the full handler stack over one account whose
// adapter points at the given upstream stub.
func newGateway(t *testing.T, upstreamURL string) *gatewayFixture {
	t.Helper()
	dir := t.TempDir()

	credsPath := filepath.Join(dir, "creds.json")
	require.NoError(t, authkiro.SaveCredentials(credsPath, &authkiro.Credentials{
		AccessToken:  "token",
		RefreshToken: "rt",
		AuthMethod:   authkiro.AuthMethodSocial,
		ExpiresAt:    time.Now().Add(time.Hour).Format(time.RFC3339),
	}))

	poolPath := filepath.Join(dir, "provider_pools.json")
	acct := pool.NewAccount(credsPath, authkiro.AuthMethodSocial, "us-east-1")
	poolData, err := json.Marshal([]*pool.Account{acct})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(poolPath, poolData, 0o644))

	poolManager, err := pool.NewManager(poolPath, 3)
	require.NoError(t, err)

	registry := executor.NewRegistry(executor.RetryPolicy{MaxRetries: 1, BaseDelay: 5 * time.Millisecond})
	registry.For(credsPath).Auth().SetServiceURLs(upstreamURL, "")

	cfg := config.Default()
	cfg.RequiredAPIKey = "sk-test"
	cfg.ProviderPoolsFilePath = poolPath

	server := api.NewServer(cfg, poolManager, registry)
	return &gatewayFixture{handler: server.Handler(), pool: poolManager}
}

func (g *gatewayFixture) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", "sk-test")
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func TestMessages_Unary(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":"Hello, world!"}`))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL)
	rec := g.post(t, "/v1/messages",
		`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"Say hello"}]}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := gjson.Parse(rec.Body.String())
	assert.Equal(t, "message", doc.Get("type").String())
	assert.Equal(t, "assistant", doc.Get("role").String())
	assert.Equal(t, "Hello, world!", doc.Get("content.0.text").String())
	assert.Equal(t, "end_turn", doc.Get("stop_reason").String())

	// Success marks the account healthy and charges usage.
	acct := g.pool.Snapshot()[0]
	assert.True(t, acct.IsHealthy)
	assert.GreaterOrEqual(t, acct.UsageCount, 1)
}

func TestMessages_Streaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":"Hel"}{"content":"lo"}`))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL)
	rec := g.post(t, "/v1/messages",
		`{"model":"claude-sonnet-4-5","stream":true,"messages":[{"role":"user","content":"Say hello"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	var eventOrder []string
	var textParts []string
	for _, line := range strings.Split(body, "\n") {
		if after, ok := strings.CutPrefix(line, "event: "); ok {
			eventOrder = append(eventOrder, after)
		}
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			chunk := gjson.Parse(after)
			if chunk.Get("delta.type").String() == "text_delta" {
				textParts = append(textParts, chunk.Get("delta.text").String())
			}
		}
	}

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventOrder)
	assert.Equal(t, "Hello", strings.Join(textParts, ""))
}

func TestMessages_Validation(t *testing.T) {
	g := newGateway(t, "http://unused.invalid")

	cases := []struct {
		name string
		body string
		want string
	}{
		{"Missing_Model", `{"messages":[{"role":"user","content":"x"}]}`, "model is required"},
		{"Empty_Messages", `{"model":"m","messages":[]}`, "messages must be a non-empty array"},
		{"Bad_Role", `{"model":"m","messages":[{"role":"system","content":"x"}]}`, "unsupported message role"},
		{"Not_An_Object", `[1,2,3]`, "JSON object"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := g.post(t, "/v1/messages", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			doc := gjson.Parse(rec.Body.String())
			assert.Equal(t, "invalid_request_error", doc.Get("error.type").String())
			assert.Contains(t, doc.Get("error.message").String(), tc.want)
		})
	}
}

func TestMessages_ErrorBudgetTripsAccount(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"boom"}`))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL)
	body := `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"x"}]}`

	for i := 0; i < 3; i++ {
		rec := g.post(t, "/v1/messages", body)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	}

	acct := g.pool.Snapshot()[0]
	assert.False(t, acct.IsHealthy, "three upstream failures exhaust the error budget")

	// With the only account unhealthy the pool is empty.
	rec := g.post(t, "/v1/messages", body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "overloaded_error", gjson.Parse(rec.Body.String()).Get("error.type").String())
}

func TestMessages_BadRequestDoesNotCharge(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"Improperly formed request"}`))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL)
	rec := g.post(t, "/v1/messages",
		`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"x"}]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	acct := g.pool.Snapshot()[0]
	assert.True(t, acct.IsHealthy)
	assert.Equal(t, 0, acct.ErrorCount)
}

func TestCountTokens(t *testing.T) {
	g := newGateway(t, "http://unused.invalid")
	rec := g.post(t, "/v1/messages/count_tokens",
		`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"Count me"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Greater(t, gjson.Parse(rec.Body.String()).Get("input_tokens").Int(), int64(0))
}

func TestHealthEndpoints(t *testing.T) {
	g := newGateway(t, "http://unused.invalid")

	t.Run("Health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		g.handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		doc := gjson.Parse(rec.Body.String())
		assert.Equal(t, "healthy", doc.Get("status").String())
		assert.Equal(t, "kiro", doc.Get("provider").String())
	})

	t.Run("Provider_Health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/provider_health?unhealthRatioThreshold=0.9", nil)
		rec := httptest.NewRecorder()
		g.handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		doc := gjson.Parse(rec.Body.String())
		assert.True(t, doc.Get("summary.summaryHealth").Bool())
		assert.Equal(t, int64(1), doc.Get("summary.total").Int())
	})

	t.Run("Models", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set("x-api-key", "sk-test")
		rec := httptest.NewRecorder()
		g.handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, gjson.Parse(rec.Body.String()).Get("data").Array())
	})
}
