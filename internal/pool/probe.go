package pool

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultHealthCheckInterval gates re-probing an account after an error.
	DefaultHealthCheckInterval = 10 * time.Minute

	probeTimeout = 30 * time.Second
)

// ProbeDispatch sends a minimal generate request through an account's
// adapter; a nil error means the account answered.
type ProbeDispatch func(ctx context.Context, account *Account, model string, payload []byte) error

// Prober periodically checks accounts flagged checkHealth and feeds the
// results back into the manager.
type Prober struct {
	manager  *Manager
	dispatch ProbeDispatch
	interval time.Duration
}

// NewProber wires a prober to a manager and a dispatch function.
func NewProber(manager *Manager, dispatch ProbeDispatch) *Prober {
	return &Prober{
		manager:  manager,
		dispatch: dispatch,
		interval: DefaultHealthCheckInterval,
	}
}

// SetInterval overrides the per-account re-probe gate, for tests.
func (p *Prober) SetInterval(d time.Duration) { p.interval = d }

// Run probes on a ticker until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx, false)
		}
	}
}

// Sweep probes every eligible account once. With force, the lastErrorTime
// gate is ignored.
func (p *Prober) Sweep(ctx context.Context, force bool) {
	for _, acct := range p.manager.Snapshot() {
		if !acct.CheckHealth || acct.IsDisabled {
			continue
		}
		if !force {
			if last := acct.lastErrorTime(); !last.IsZero() && time.Since(last) < p.interval {
				continue
			}
		}
		p.probeOne(ctx, acct)
	}
}

func (p *Prober) probeOne(ctx context.Context, acct *Account) {
	model := acct.ProbeModel()
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := p.dispatch(ctx, acct, model, probePayload(model))
	if err != nil {
		// Some upstream variants want the contents/parts shape.
		if err2 := p.dispatch(ctx, acct, model, probePayloadAlt()); err2 == nil {
			err = nil
		}
	}
	if err != nil {
		log.Warnf("pool: probe failed for %s (%s): %v", acct.UUID, model, err)
		p.manager.MarkUnhealthy(acct.UUID, err.Error())
		return
	}
	log.Debugf("pool: probe ok for %s (%s)", acct.UUID, model)
	p.manager.MarkHealthy(acct.UUID, true, model)
}

func probePayload(model string) []byte {
	data, _ := json.Marshal(map[string]any{
		"messages":   []map[string]any{{"role": "user", "content": "Hi"}},
		"model":      model,
		"max_tokens": 1,
	})
	return data
}

func probePayloadAlt() []byte {
	data, _ := json.Marshal(map[string]any{
		"contents": []map[string]any{{
			"role":  "user",
			"parts": []map[string]any{{"text": "Hi"}},
		}},
		"max_tokens": 1,
	})
	return data
}
