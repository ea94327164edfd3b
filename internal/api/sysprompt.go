package api

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kirogate/kirogate/internal/config"
)

// fetchedPromptFile mirrors the last effective system prompt for
// observability.
const fetchedPromptFile = "configs/fetch_system_prompt.txt"

// SystemPrompt overlays a file-backed system prompt onto incoming requests.
// The file is watched so edits apply without a restart.
type SystemPrompt struct {
	path string
	mode string

	mu   sync.RWMutex
	text string

	watcher *fsnotify.Watcher
}

// NewSystemPrompt loads the prompt file and starts watching it. A missing
// or empty path disables the overlay.
func NewSystemPrompt(path, mode string) *SystemPrompt {
	sp := &SystemPrompt{path: path, mode: mode}
	if path == "" {
		return sp
	}
	sp.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("sysprompt: watcher unavailable: %v", err)
		return sp
	}
	// Watch the directory: editors replace files, which drops a direct watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warnf("sysprompt: watch %s: %v", path, err)
		watcher.Close()
		return sp
	}
	sp.watcher = watcher
	go sp.watch()
	return sp
}

func (sp *SystemPrompt) watch() {
	for {
		select {
		case event, ok := <-sp.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(sp.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				sp.reload()
				log.Infof("sysprompt: reloaded %s", sp.path)
			}
		case err, ok := <-sp.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("sysprompt: watcher error: %v", err)
		}
	}
}

func (sp *SystemPrompt) reload() {
	data, err := os.ReadFile(sp.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("sysprompt: read %s: %v", sp.path, err)
		}
		return
	}
	sp.mu.Lock()
	sp.text = strings.TrimSpace(string(data))
	sp.mu.Unlock()
}

// Close stops the watcher.
func (sp *SystemPrompt) Close() {
	if sp.watcher != nil {
		sp.watcher.Close()
	}
}

// Text returns the current overlay text.
func (sp *SystemPrompt) Text() string {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.text
}

// Apply merges the overlay into a Claude request body per the configured
// mode and mirrors the effective prompt to disk. A disabled overlay
// returns the body unchanged.
func (sp *SystemPrompt) Apply(body []byte) []byte {
	overlay := sp.Text()
	if overlay == "" {
		return body
	}

	effective := overlay
	if sp.mode == config.SystemPromptAppend {
		if existing := extractSystemText(gjson.GetBytes(body, "system")); existing != "" {
			effective = existing + "\n\n" + overlay
		}
	}

	out, err := sjson.SetBytes(body, "system", effective)
	if err != nil {
		log.Warnf("sysprompt: apply failed: %v", err)
		return body
	}
	sp.mirror(effective)
	return out
}

func (sp *SystemPrompt) mirror(effective string) {
	if err := os.MkdirAll(filepath.Dir(fetchedPromptFile), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(fetchedPromptFile, []byte(effective), 0o644); err != nil {
		log.Debugf("sysprompt: mirror failed: %v", err)
	}
}

func extractSystemText(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	if system.Type == gjson.String {
		return strings.TrimSpace(system.String())
	}
	if system.IsArray() {
		var parts []string
		system.ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text").String(); text != "" {
				parts = append(parts, text)
			}
			return true
		})
		return strings.TrimSpace(strings.Join(parts, "\n"))
	}
	return ""
}
