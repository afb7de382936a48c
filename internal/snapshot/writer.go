// Package snapshot persists periodic stats reports of the engine.
package snapshot

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"NetSpectraRx/internal/config"
	"NetSpectraRx/internal/factory"
	"NetSpectraRx/internal/logging"
	"NetSpectraRx/internal/model"
	"NetSpectraRx/internal/stats"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "snapshot")

const (
	reportFile  = "report.dat"
	summaryFile = "summary.json"
)

func init() {
	factory.RegisterWriter("gob", func(def config.WriterDef, interval time.Duration) (model.Writer, error) {
		return NewGobWriter(def.Gob.RootPath, interval), nil
	})
}

// SummaryData is the human-readable digest written next to each report.
type SummaryData struct {
	ActiveFlows    int    `json:"active_flows"`
	PendingUpdates int    `json:"pending_updates"`
	Packets        uint64 `json:"packets"`
	Delivered      uint64 `json:"delivered"`
	Flushes        uint64 `json:"flushes"`
	FlowsEvicted   uint64 `json:"flows_evicted"`
	Timestamp      string `json:"timestamp"`
}

// GobWriter writes each report to <root>/<timestamp>/ as a gob file plus a
// summary.json. It implements model.Writer.
type GobWriter struct {
	rootPath string
	interval time.Duration
}

// NewGobWriter creates a writer rooted at rootPath.
func NewGobWriter(rootPath string, interval time.Duration) *GobWriter {
	return &GobWriter{rootPath: rootPath, interval: interval}
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *GobWriter) GetInterval() time.Duration {
	return w.interval
}

// Write expects a *stats.Report payload.
func (w *GobWriter) Write(payload interface{}, timestamp string) error {
	report, ok := payload.(*stats.Report)
	if !ok {
		return fmt.Errorf("invalid payload type for GobWriter: expected *stats.Report, got %T", payload)
	}

	dir := filepath.Join(w.rootPath, timestamp)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	if err := writeGob(filepath.Join(dir, reportFile), report); err != nil {
		return err
	}

	summary := SummaryData{
		ActiveFlows:    report.ActiveFlows,
		PendingUpdates: report.PendingUpdates,
		Packets:        report.Counters.Packets,
		Delivered:      report.Counters.Delivered,
		Flushes:        report.Counters.Flushes,
		FlowsEvicted:   report.Counters.FlowsEvicted,
		Timestamp:      report.Timestamp.UTC().Format(time.RFC3339),
	}
	if err := writeJSON(filepath.Join(dir, summaryFile), summary); err != nil {
		return err
	}
	log.Debugf("Wrote stats snapshot to %s", dir)
	return nil
}

func writeGob(path string, v interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", path, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(v); err != nil {
		return fmt.Errorf("failed to encode report to gob for file '%s': %w", path, err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return nil
}

// ReadReport decodes a report written by GobWriter.
func ReadReport(path string) (*stats.Report, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r stats.Report
	if err := gob.NewDecoder(file).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode report '%s': %w", path, err)
	}
	return &r, nil
}
