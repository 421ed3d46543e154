// Package logging provides per-component zap loggers for parley.
// Logging is off by default; when debug mode is enabled in the profile,
// entries are written to a single file under the profile directory.
// The interactive transcript never goes through this package.
package logging

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Options controls logger construction.
type Options struct {
	Debug bool   // when false, all loggers are no-ops
	Dir   string // directory for the log file, created if missing
}

// Init builds the root logger. Safe to call once at startup; calling it
// again replaces the root (used by tests).
func Init(opts Options) error {
	if !opts.Debug {
		mu.Lock()
		root = zap.NewNop()
		mu.Unlock()
		return nil
	}

	dir := opts.Dir
	if dir == "" {
		dir = filepath.Join(".parley", "logs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "parley.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(f), zapcore.DebugLevel)

	mu.Lock()
	root = zap.New(core)
	mu.Unlock()
	return nil
}

// Named returns a logger for a component, e.g. "agent" or "shell".
func Named(component string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(component)
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
