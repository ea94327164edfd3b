package executor

import (
	"context"
	"errors"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	authkiro "github.com/kirogate/kirogate/internal/auth/kiro"
	kirotranslator "github.com/kirogate/kirogate/internal/translator/kiro"
)

// RetryPolicy bounds the backoff loop around upstream calls.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy matches REQUEST_MAX_RETRIES=3, REQUEST_BASE_DELAY=1000.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}

// UsageLimits is the parsed shape of the usage-limits endpoint.
type UsageLimits struct {
	Used     float64 `json:"used"`
	Limit    float64 `json:"limit"`
	ResetsAt string  `json:"resetsAt,omitempty"`
}

// Adapter serves one account: it owns the auth manager, applies the retry
// policy, and translates between Claude payloads and the upstream wire.
type Adapter struct {
	auth   *authkiro.Manager
	client *client
	retry  RetryPolicy

	refreshGroup singleflight.Group
}

// NewAdapter builds an adapter over one account's credentials file.
func NewAdapter(credentialsPath string, retry RetryPolicy) *Adapter {
	if retry.MaxRetries <= 0 {
		retry.MaxRetries = DefaultRetryPolicy.MaxRetries
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	return &Adapter{
		auth:   authkiro.NewManager(credentialsPath),
		client: newClient(),
		retry:  retry,
	}
}

// Auth exposes the adapter's auth manager (heartbeat, tests).
func (a *Adapter) Auth() *authkiro.Manager { return a.auth }

// ensureToken implements lazy init: load credentials, and if the access
// token is missing try one refresh before giving up.
func (a *Adapter) ensureToken(ctx context.Context) (string, error) {
	creds, err := a.auth.Credentials()
	if err != nil {
		return "", err
	}
	if creds.AccessToken != "" {
		return creds.AccessToken, nil
	}
	if creds.RefreshToken == "" {
		return "", authkiro.NewAuthError(authkiro.NotInitialized, "no access or refresh token")
	}
	if err := a.refresh(ctx); err != nil {
		return "", err
	}
	return a.auth.AccessToken()
}

// refresh rotates the token, collapsing concurrent callers into one flight.
func (a *Adapter) refresh(ctx context.Context) error {
	_, err, _ := a.refreshGroup.Do("refresh", func() (any, error) {
		return nil, a.auth.Refresh(ctx)
	})
	return err
}

// RefreshIfNear refreshes when the token expires within threshold. Called
// by the heartbeat.
func (a *Adapter) RefreshIfNear(ctx context.Context, threshold time.Duration) error {
	if !a.auth.IsExpiryNear(threshold) {
		return nil
	}
	return a.refresh(ctx)
}

// GetUsage queries the account's usage limits.
func (a *Adapter) GetUsage(ctx context.Context) (*UsageLimits, error) {
	token, err := a.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	data, err := a.client.getUsage(ctx, a.auth.UsageURL(), token)
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(data)
	return &UsageLimits{
		Used:     parsed.Get("used").Float(),
		Limit:    parsed.Get("limit").Float(),
		ResetsAt: parsed.Get("resetsAt").String(),
	}, nil
}

// buildEnvelope converts the Claude payload into the upstream envelope using
// the account's auth decoration.
func (a *Adapter) buildEnvelope(model string, claudeBody []byte) ([]byte, error) {
	creds, err := a.auth.Credentials()
	if err != nil {
		return nil, err
	}
	return kirotranslator.BuildRequest(model, claudeBody, kirotranslator.BuildOptions{
		AuthMethod: creds.AuthMethod,
		ProfileArn: creds.ProfileArn,
	})
}

// open dispatches the envelope with the retry policy and returns the
// response body stream. A 401 forces one refresh and a single retry;
// 429 and 5xx back off exponentially.
func (a *Adapter) open(ctx context.Context, model string, claudeBody []byte) (io.ReadCloser, error) {
	envelope, err := a.buildEnvelope(model, claudeBody)
	if err != nil {
		return nil, err
	}

	refreshed := false
	delay := a.retry.BaseDelay
	var lastErr error
	for attempt := 0; attempt <= a.retry.MaxRetries; attempt++ {
		token, err := a.ensureToken(ctx)
		if err != nil {
			return nil, err
		}
		body, err := a.client.generate(ctx, a.auth.GenerateURL(), token, envelope)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && se.Code == 401 && !refreshed {
			refreshed = true
			log.Infof("executor: 401 from upstream, refreshing token")
			if rerr := a.refresh(ctx); rerr != nil {
				return nil, rerr
			}
			continue
		}
		if !retryable(err) || attempt == a.retry.MaxRetries {
			return nil, err
		}
		log.Warnf("executor: attempt %d failed, backing off %s: %v", attempt+1, delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

// Send performs a full request/response exchange and returns the parsed
// upstream events. Used by the unary path and health probes.
func (a *Adapter) Send(ctx context.Context, model string, claudeBody []byte) ([]kirotranslator.Event, error) {
	body, err := a.open(ctx, model, claudeBody)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	parser := kirotranslator.NewStreamParser()
	events := parser.Feed(data)
	events = append(events, parser.Drain()...)
	return events, nil
}

// SendStream dispatches the request and feeds parsed events to onEvent as
// upstream bytes arrive. An error from onEvent aborts the read (client
// disconnect) without marking the account.
func (a *Adapter) SendStream(ctx context.Context, model string, claudeBody []byte, onEvent func(kirotranslator.Event) error) error {
	body, err := a.open(ctx, model, claudeBody)
	if err != nil {
		return err
	}
	defer body.Close()

	parser := kirotranslator.NewStreamParser()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				if err := onEvent(ev); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			for _, ev := range parser.Drain() {
				if err := onEvent(ev); err != nil {
					return err
				}
			}
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// GenerateContent returns a complete Claude Messages response for a
// non-streaming request, including bracket tool-call recovery.
func (a *Adapter) GenerateContent(ctx context.Context, model string, claudeBody []byte) (map[string]any, error) {
	events, err := a.Send(ctx, model, claudeBody)
	if err != nil {
		return nil, err
	}
	usage := EstimateUsage(claudeBody, events)
	return kirotranslator.BuildMessageResponse(model, events, usage), nil
}

// CountTokens estimates input tokens for the payload. Documented as an
// estimate, not a billing figure.
func (a *Adapter) CountTokens(claudeBody []byte) int {
	return estimateInputTokens(claudeBody)
}
