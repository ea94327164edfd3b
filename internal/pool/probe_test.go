package pool_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kirogate/kirogate/internal/pool"
)

func TestProberSweep(t *testing.T) {
	t.Run("Success_Marks_Healthy", func(t *testing.T) {
		a := healthyAccount("a")
		a.CheckHealth = true
		a.IsHealthy = false
		a.ErrorCount = 5
		m, err := pool.NewManager(writePoolFile(t, []*pool.Account{a}), 3)
		require.NoError(t, err)

		var gotModel string
		prober := pool.NewProber(m, func(ctx context.Context, acct *pool.Account, model string, payload []byte) error {
			gotModel = model
			doc := gjson.ParseBytes(payload)
			assert.Equal(t, "Hi", doc.Get("messages.0.content").String())
			assert.Equal(t, int64(1), doc.Get("max_tokens").Int())
			return nil
		})
		prober.Sweep(context.Background(), true)

		assert.Equal(t, "claude-haiku-4-5", gotModel, "default probe model")
		acct := m.Snapshot()[0]
		assert.True(t, acct.IsHealthy, "successful probe restores health")
		assert.Equal(t, 0, acct.ErrorCount)
		assert.Equal(t, "claude-haiku-4-5", acct.LastHealthCheckModel)
	})

	t.Run("Secondary_Payload_Shape_Rescues", func(t *testing.T) {
		a := healthyAccount("a")
		a.CheckHealth = true
		m, err := pool.NewManager(writePoolFile(t, []*pool.Account{a}), 3)
		require.NoError(t, err)

		calls := 0
		prober := pool.NewProber(m, func(ctx context.Context, acct *pool.Account, model string, payload []byte) error {
			calls++
			if gjson.GetBytes(payload, "messages").Exists() {
				return errors.New("shape rejected")
			}
			// contents/parts fallback succeeds
			assert.Equal(t, "Hi", gjson.GetBytes(payload, "contents.0.parts.0.text").String())
			return nil
		})
		prober.Sweep(context.Background(), true)

		assert.Equal(t, 2, calls)
		assert.True(t, m.Snapshot()[0].IsHealthy)
	})

	t.Run("Failure_Charges_Budget", func(t *testing.T) {
		a := healthyAccount("a")
		a.CheckHealth = true
		m, err := pool.NewManager(writePoolFile(t, []*pool.Account{a}), 3)
		require.NoError(t, err)

		prober := pool.NewProber(m, func(ctx context.Context, acct *pool.Account, model string, payload []byte) error {
			return errors.New("upstream down")
		})
		prober.Sweep(context.Background(), true)

		acct := m.Snapshot()[0]
		assert.Equal(t, 1, acct.ErrorCount)
		assert.Equal(t, "upstream down", acct.LastErrorMessage)
	})

	t.Run("Skips_Unflagged_And_Disabled", func(t *testing.T) {
		a := healthyAccount("a") // checkHealth false
		b := healthyAccount("b")
		b.CheckHealth = true
		b.IsDisabled = true
		m, err := pool.NewManager(writePoolFile(t, []*pool.Account{a, b}), 3)
		require.NoError(t, err)

		calls := 0
		prober := pool.NewProber(m, func(ctx context.Context, acct *pool.Account, model string, payload []byte) error {
			calls++
			return nil
		})
		prober.Sweep(context.Background(), true)
		assert.Zero(t, calls)
	})

	t.Run("Custom_Probe_Model", func(t *testing.T) {
		a := healthyAccount("a")
		a.CheckHealth = true
		a.CheckModelName = "claude-opus-4-5"
		m, err := pool.NewManager(writePoolFile(t, []*pool.Account{a}), 3)
		require.NoError(t, err)

		var gotModel string
		prober := pool.NewProber(m, func(ctx context.Context, acct *pool.Account, model string, payload []byte) error {
			gotModel = model
			return nil
		})
		prober.Sweep(context.Background(), true)
		assert.Equal(t, "claude-opus-4-5", gotModel)
	})
}
