package telemetry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gocarina/gocsv"

	"github.com/spaceforge/orbitalfab/config"
)

// OutputManager handles structured run output with CSV logging. Records
// arrive from every worker goroutine, so writes are serialized internally.
type OutputManager struct {
	dir        string
	mu         sync.Mutex
	eventsFile *os.File

	// Track if headers have been written
	eventsHeaderWritten bool
}

// NewOutputManager creates a new output manager and initializes the output
// directory. Returns nil if dir is empty (output disabled); a nil manager is
// safe to use and drops everything.
func NewOutputManager(dir string) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{dir: dir}

	eventsPath := filepath.Join(dir, "events.csv")
	f, err := os.Create(eventsPath)
	if err != nil {
		return nil, fmt.Errorf("creating events.csv: %w", err)
	}
	om.eventsFile = f

	return om, nil
}

// WriteConfig saves the effective configuration as YAML next to the CSVs.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	configPath := filepath.Join(om.dir, "config.yaml")
	return cfg.WriteYAML(configPath)
}

// Write appends one event record to events.csv. Implements Sink: a failed
// write is logged and dropped, never surfaced to the emitting worker.
func (om *OutputManager) Write(rec Record) {
	if om == nil {
		return
	}

	om.mu.Lock()
	defer om.mu.Unlock()

	records := []Record{rec}

	var err error
	if !om.eventsHeaderWritten {
		// First write includes headers
		err = gocsv.Marshal(records, om.eventsFile)
		om.eventsHeaderWritten = true
	} else {
		err = gocsv.MarshalWithoutHeaders(records, om.eventsFile)
	}
	if err != nil {
		slog.Error("writing event record", "error", err, "minute", rec.Minute, "module", rec.Module)
	}
}

// WriteSummary writes the run summary to summary.csv.
func (om *OutputManager) WriteSummary(s RunSummary) error {
	if om == nil {
		return nil
	}

	summaryPath := filepath.Join(om.dir, "summary.csv")
	f, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("creating summary.csv: %w", err)
	}
	defer f.Close()

	if err := gocsv.Marshal([]RunSummary{s}, f); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Close flushes and closes the output files.
func (om *OutputManager) Close() error {
	if om == nil || om.eventsFile == nil {
		return nil
	}
	return om.eventsFile.Close()
}
