// Package logging wires up the structured, leveled logging every layer of
// the stack uses: a *logrus.Entry pre-populated with session/component
// fields, with optional file rotation via lumberjack.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"arqnet/pkg/config"
)

// New builds a root *logrus.Logger from cfg: level, and an output that is
// stdout, a rotated file, or both.
func New(cfg config.LogConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: parse level %q: %w", cfg.Level, err)
	}

	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	out, err := output(cfg)
	if err != nil {
		return nil, err
	}
	log.SetOutput(out)

	return log, nil
}

func output(cfg config.LogConfig) (io.Writer, error) {
	switch cfg.Output {
	case "", "stdout":
		return os.Stdout, nil
	case "file":
		return rotatedFile(cfg), nil
	case "both":
		return io.MultiWriter(os.Stdout, rotatedFile(cfg)), nil
	default:
		return nil, fmt.Errorf("logging: unknown output %q", cfg.Output)
	}
}

func rotatedFile(cfg config.LogConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// SessionEntry returns a log entry pre-populated with the fields every
// layer attaches: session_id, component, peer.
func SessionEntry(log *logrus.Logger, sessionID, component, peer string) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"component":  component,
		"peer":       peer,
	})
}
