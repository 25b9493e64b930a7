package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler recovers panics in handler workers and input readers, writes
// a JSON report and logs it. The daemon keeps running.
type CrashHandler struct {
	mu        sync.Mutex
	dir       string
	version   string
	sessionID string
	logger    *Logger
	onCrash   func(CrashReport)
}

// CrashHandlerConfig configures the crash handler.
type CrashHandlerConfig struct {
	// Dir is the directory to write crash reports. Empty disables reports.
	Dir string

	Version   string
	SessionID string
	Logger    *Logger

	// OnCrash is called after a crash is logged.
	OnCrash func(CrashReport)
}

// DefaultCrashDir returns $XDG_STATE_HOME/irbridge/crashes.
func DefaultCrashDir() string {
	return filepath.Join(StateDir(), "crashes")
}

// NewCrashHandler creates a CrashHandler.
func NewCrashHandler(cfg CrashHandlerConfig) *CrashHandler {
	if cfg.Logger == nil {
		cfg.Logger = Default()
	}
	return &CrashHandler{
		dir:       cfg.Dir,
		version:   cfg.Version,
		sessionID: cfg.SessionID,
		logger:    cfg.Logger.WithComponent("crash"),
		onCrash:   cfg.OnCrash,
	}
}

// Recover is deferred at the top of a goroutine:
//
//	defer crash.Recover("tv", nil)
func (h *CrashHandler) Recover(component string, context map[string]any) {
	if r := recover(); r != nil {
		h.HandlePanic(r, component, context)
	}
}

// HandlePanic records a recovered panic value.
func (h *CrashHandler) HandlePanic(value any, component string, context map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", value),
		StackTrace:   string(debug.Stack()),
		Component:    component,
		SessionID:    h.sessionID,
		Context:      context,
	}

	path, err := h.write(report)
	if err != nil {
		h.logger.Error("write crash report", "error", err)
	}
	h.logger.Error("recovered panic",
		"panic", report.PanicValue,
		"in", component,
		"report", path,
	)

	if h.onCrash != nil {
		h.onCrash(report)
	}
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if h.dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}

	name := fmt.Sprintf("crash-%s-%s.json",
		report.Component,
		report.Timestamp.Format("20060102-150405.000000"))
	path := filepath.Join(h.dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports returns the crash reports on disk.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Cleanup removes reports older than maxAge.
func (h *CrashHandler) Cleanup(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
