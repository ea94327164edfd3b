package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	agentPrefix    = "aws-sdk-js/1.0.7"
	kiroIDEVersion = "KiroIDE-0.1.25"

	generateTimeout = 5 * time.Minute
	usageTimeout    = 30 * time.Second
)

// client performs raw HTTP round-trips to the Kiro upstream, decorated with
// the headers KiroIDE traffic carries.
type client struct {
	httpClient *http.Client
	macOnce    sync.Once
	macHash    string
}

func newClient() *client {
	return &client{httpClient: &http.Client{Timeout: generateTimeout}}
}

// generate POSTs the envelope and returns the raw response body stream.
// Callers own resp.Body. Non-2xx statuses are drained into a StatusError.
func (c *client) generate(ctx context.Context, url, token string, body []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kiro client: build request: %w", err)
	}
	c.applyHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiro client: round-trip: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	return resp.Body, nil
}

// getUsage queries the usage-limits endpoint.
func (c *client) getUsage(ctx context.Context, url, token string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, usageTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("kiro client: build usage request: %w", err)
	}
	c.applyHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiro client: usage round-trip: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("kiro client: read usage body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *client) applyHeaders(req *http.Request, token string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	suffix := c.macHashValue()
	req.Header.Set("x-amz-user-agent", fmt.Sprintf("%s %s-%s", agentPrefix, kiroIDEVersion, suffix))
	req.Header.Set("user-agent", fmt.Sprintf("%s ua/2.1 os/cli lang/go api/codewhispererstreaming#1.0.7 m/E %s-%s", agentPrefix, kiroIDEVersion, suffix))
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
}

// macHashValue derives a stable machine fingerprint from the first
// non-loopback interface's hardware address.
func (c *client) macHashValue() string {
	c.macOnce.Do(func() {
		c.macHash = "0000000000000000"
		interfaces, err := net.Interfaces()
		if err != nil {
			return
		}
		for _, iface := range interfaces {
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			addr := iface.HardwareAddr.String()
			if addr == "" {
				continue
			}
			sum := sha256.Sum256([]byte(addr))
			c.macHash = hex.EncodeToString(sum[:])
			return
		}
	})
	return c.macHash
}
