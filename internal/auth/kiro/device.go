package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
	"github.com/tidwall/gjson"
)

const (
	registerPathSuffix  = "/client/register"
	authorizePathSuffix = "/device_authorization"
	tokenPathSuffix     = "/token"

	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	defaultStartURL   = "https://view.awsapps.com/start"
	deviceClientName  = "kirogate"
	slowDownExtension = 5 * time.Second
)

var deviceScopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
	"codewhisperer:conversations",
}

// DeviceFlowResult is what a completed device-code flow yields.
type DeviceFlowResult struct {
	CredentialsPath string
	Credentials     *Credentials
}

// DeviceFlow runs the Builder-ID device-code acquisition: register a client,
// request a device authorization, then poll the token endpoint until the
// user approves, the code expires, or Stop is called.
type DeviceFlow struct {
	region     string
	startURL   string
	outDir     string
	httpClient *http.Client
	baseURL    string // test override for the oidc endpoint
	openURI    bool
	stop       atomic.Bool
}

// NewDeviceFlow prepares a flow writing its credentials file under outDir.
func NewDeviceFlow(region, outDir string) *DeviceFlow {
	if strings.TrimSpace(region) == "" {
		region = DefaultRegion
	}
	return &DeviceFlow{
		region:     region,
		startURL:   defaultStartURL,
		outDir:     outDir,
		httpClient: &http.Client{Timeout: refreshTimeout},
		openURI:    true,
	}
}

// SetBaseURL overrides the OIDC endpoint, for tests. Disables browser open.
func (f *DeviceFlow) SetBaseURL(base string) {
	f.baseURL = strings.TrimRight(base, "/")
	f.openURI = false
}

// SetStartURL overrides the SSO start URL.
func (f *DeviceFlow) SetStartURL(url string) { f.startURL = url }

// Stop aborts a running poll; the poller checks the flag before each sleep.
func (f *DeviceFlow) Stop() { f.stop.Store(true) }

// Run executes the full state machine and returns the persisted credentials.
func (f *DeviceFlow) Run(ctx context.Context) (*DeviceFlowResult, error) {
	clientID, clientSecret, err := f.register(ctx)
	if err != nil {
		return nil, err
	}

	auth, err := f.authorize(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	log.Infof("kiro auth: device flow started, user code %s", auth.userCode)
	log.Infof("kiro auth: approve at %s", auth.verificationURI)
	if f.openURI && auth.verificationURI != "" {
		if err := open.Run(auth.verificationURI); err != nil {
			log.Warnf("kiro auth: could not open browser: %v", err)
		}
	}

	creds, err := f.poll(ctx, clientID, clientSecret, auth)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(f.outDir, fmt.Sprintf("%d_builder-id.json", time.Now().Unix()))
	if err := SaveCredentials(path, creds); err != nil {
		return nil, err
	}
	log.Infof("kiro auth: device flow complete, credentials at %s", path)
	return &DeviceFlowResult{CredentialsPath: path, Credentials: creds}, nil
}

func (f *DeviceFlow) register(ctx context.Context) (string, string, error) {
	body := map[string]any{
		"clientName": deviceClientName,
		"clientType": "public",
		"scopes":     deviceScopes,
		"grantTypes": []string{deviceGrantType, "refresh_token"},
	}
	resp, err := f.post(ctx, registerPathSuffix, body)
	if err != nil {
		return "", "", fmt.Errorf("kiro auth: client register: %w", err)
	}
	clientID := resp.Get("clientId").String()
	clientSecret := resp.Get("clientSecret").String()
	if clientID == "" || clientSecret == "" {
		return "", "", fmt.Errorf("kiro auth: client register returned no credentials")
	}
	return clientID, clientSecret, nil
}

type deviceAuthorization struct {
	deviceCode      string
	userCode        string
	verificationURI string
	interval        time.Duration
	expiresAt       time.Time
}

func (f *DeviceFlow) authorize(ctx context.Context, clientID, clientSecret string) (*deviceAuthorization, error) {
	body := map[string]any{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"startUrl":     f.startURL,
	}
	resp, err := f.post(ctx, authorizePathSuffix, body)
	if err != nil {
		return nil, fmt.Errorf("kiro auth: device authorization: %w", err)
	}
	auth := &deviceAuthorization{
		deviceCode:      resp.Get("deviceCode").String(),
		userCode:        resp.Get("userCode").String(),
		verificationURI: resp.Get("verificationUriComplete").String(),
		interval:        5 * time.Second,
		expiresAt:       time.Now().Add(10 * time.Minute),
	}
	if iv := resp.Get("interval").Int(); iv > 0 {
		auth.interval = time.Duration(iv) * time.Second
	}
	if exp := resp.Get("expiresIn").Int(); exp > 0 {
		auth.expiresAt = time.Now().Add(time.Duration(exp) * time.Second)
	}
	if auth.deviceCode == "" {
		return nil, fmt.Errorf("kiro auth: device authorization returned no deviceCode")
	}
	return auth, nil
}

func (f *DeviceFlow) poll(ctx context.Context, clientID, clientSecret string, auth *deviceAuthorization) (*Credentials, error) {
	interval := auth.interval
	for {
		if f.stop.Load() {
			return nil, fmt.Errorf("kiro auth: device flow cancelled")
		}
		if time.Now().After(auth.expiresAt) {
			return nil, fmt.Errorf("kiro auth: device code expired")
		}

		body := map[string]any{
			"clientId":     clientID,
			"clientSecret": clientSecret,
			"deviceCode":   auth.deviceCode,
			"grantType":    deviceGrantType,
		}
		resp, err := f.post(ctx, tokenPathSuffix, body)
		if err == nil {
			if token := resp.Get("accessToken").String(); token != "" {
				creds := &Credentials{
					AccessToken:  token,
					RefreshToken: resp.Get("refreshToken").String(),
					AuthMethod:   AuthMethodBuilderID,
					ClientID:     clientID,
					ClientSecret: clientSecret,
					Region:       f.region,
				}
				if exp := resp.Get("expiresIn").Int(); exp > 0 {
					creds.ExpiresAt = time.Now().Add(time.Duration(exp) * time.Second).Format(time.RFC3339)
				}
				return creds, nil
			}
			err = fmt.Errorf("kiro auth: token response carried no accessToken")
		}

		switch errorCode(err) {
		case "authorization_pending":
			// keep polling
		case "slow_down":
			interval += slowDownExtension
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// statusError carries the upstream error code from a non-2xx token response.
type statusError struct {
	code    int
	errCode string
	body    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("kiro auth: status %d (%s): %s", e.code, e.errCode, e.body)
}

func errorCode(err error) string {
	if se, ok := err.(*statusError); ok {
		return se.errCode
	}
	return ""
}

func (f *DeviceFlow) post(ctx context.Context, pathSuffix string, body map[string]any) (gjson.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, err
	}
	url := f.endpointURL(pathSuffix)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return gjson.Result{}, &statusError{
			code:    resp.StatusCode,
			errCode: gjson.GetBytes(respBody, "error").String(),
			body:    strings.TrimSpace(string(respBody)),
		}
	}
	return gjson.ParseBytes(respBody), nil
}

func (f *DeviceFlow) endpointURL(pathSuffix string) string {
	if f.baseURL != "" {
		return f.baseURL + pathSuffix
	}
	return substituteRegion("https://oidc.{region}.amazonaws.com", f.region) + pathSuffix
}
