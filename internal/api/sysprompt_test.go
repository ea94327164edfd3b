package api_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kirogate/kirogate/internal/api"
	"github.com/kirogate/kirogate/internal/config"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func writePromptFile(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "system_prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestSystemPrompt_Apply(t *testing.T) {
	chdir(t, t.TempDir())

	t.Run("Append_Mode_Keeps_Existing", func(t *testing.T) {
		sp := api.NewSystemPrompt(writePromptFile(t, "Always answer in French."), config.SystemPromptAppend)
		defer sp.Close()

		out := sp.Apply([]byte(`{"model":"m","system":"You are terse.","messages":[]}`))
		assert.Equal(t, "You are terse.\n\nAlways answer in French.",
			gjson.GetBytes(out, "system").String())
	})

	t.Run("Append_Mode_Without_Existing", func(t *testing.T) {
		sp := api.NewSystemPrompt(writePromptFile(t, "Overlay only."), config.SystemPromptAppend)
		defer sp.Close()

		out := sp.Apply([]byte(`{"model":"m","messages":[]}`))
		assert.Equal(t, "Overlay only.", gjson.GetBytes(out, "system").String())
	})

	t.Run("Overwrite_Mode_Replaces", func(t *testing.T) {
		sp := api.NewSystemPrompt(writePromptFile(t, "Replacement."), config.SystemPromptOverwrite)
		defer sp.Close()

		out := sp.Apply([]byte(`{"model":"m","system":"Old prompt.","messages":[]}`))
		assert.Equal(t, "Replacement.", gjson.GetBytes(out, "system").String())
	})

	t.Run("System_Blocks_Array", func(t *testing.T) {
		sp := api.NewSystemPrompt(writePromptFile(t, "Overlay."), config.SystemPromptAppend)
		defer sp.Close()

		out := sp.Apply([]byte(`{"system":[{"type":"text","text":"A"},{"type":"text","text":"B"}]}`))
		assert.Equal(t, "A\nB\n\nOverlay.", gjson.GetBytes(out, "system").String())
	})

	t.Run("Disabled_When_No_Path", func(t *testing.T) {
		sp := api.NewSystemPrompt("", config.SystemPromptAppend)
		defer sp.Close()

		body := []byte(`{"model":"m"}`)
		assert.Equal(t, body, sp.Apply(body))
	})
}

func TestSystemPrompt_Reload(t *testing.T) {
	chdir(t, t.TempDir())

	path := writePromptFile(t, "before")
	sp := api.NewSystemPrompt(path, config.SystemPromptAppend)
	defer sp.Close()
	require.Equal(t, "before", sp.Text())

	require.NoError(t, os.WriteFile(path, []byte("after"), 0o644))
	assert.Eventually(t, func() bool {
		return sp.Text() == "after"
	}, 2*time.Second, 20*time.Millisecond)
}
