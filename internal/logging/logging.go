// Package logging configures the process-wide logrus logger and the
// prompt audit log.
package logging

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup points logrus at stdout plus a rolling file under logDir and sets
// the level. An empty logDir keeps console-only output.
func Setup(logDir string, debug bool) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if logDir == "" {
		log.SetOutput(os.Stdout)
		return
	}
	roller := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "kirogate.log"),
		MaxSize:    20, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, roller))
}
