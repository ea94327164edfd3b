package logging

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Prompt log modes, mirrored from the config package to avoid a cycle.
const (
	PromptModeNone    = "none"
	PromptModeConsole = "console"
	PromptModeFile    = "file"
)

// PromptLogger records outbound prompts either to the console or to a
// rolling file named from the configured base name.
type PromptLogger struct {
	mode string

	mu     sync.Mutex
	roller *lumberjack.Logger
}

// NewPromptLogger builds a prompt logger. For file mode the log lands at
// logs/<baseName>.log.
func NewPromptLogger(mode, baseName string) *PromptLogger {
	p := &PromptLogger{mode: mode}
	if mode == PromptModeFile {
		if baseName == "" {
			baseName = "prompt"
		}
		p.roller = &lumberjack.Logger{
			Filename:   filepath.Join("logs", baseName+".log"),
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
		}
	}
	return p
}

// Log records one outbound prompt. model and account identify the dispatch;
// prompt is the serialized request text.
func (p *PromptLogger) Log(model, account, prompt string) {
	switch p.mode {
	case PromptModeConsole:
		log.WithFields(log.Fields{
			"model":   model,
			"account": account,
		}).Infof("prompt: %s", prompt)
	case PromptModeFile:
		p.mu.Lock()
		defer p.mu.Unlock()
		fmt.Fprintf(p.roller, "%s model=%s account=%s\n%s\n\n",
			time.Now().Format(time.RFC3339), model, account, prompt)
	}
}

// Close releases the file writer.
func (p *PromptLogger) Close() error {
	if p.roller != nil {
		return p.roller.Close()
	}
	return nil
}
