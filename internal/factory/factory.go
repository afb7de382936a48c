// Package factory maps the writer and sink type names used in the config file
// to their constructors. Implementations register themselves from init.
package factory

import (
	"fmt"
	"sort"
	"time"

	"NetSpectraRx/internal/config"
	"NetSpectraRx/internal/logging"
	"NetSpectraRx/internal/model"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "factory")

// WriterFactory creates a stats writer from its config definition.
type WriterFactory func(def config.WriterDef, interval time.Duration) (model.Writer, error)

// SinkFactory creates the consumer of delivered buffers.
type SinkFactory func(cfg *config.Config) (model.Sink, error)

var (
	writers = make(map[string]WriterFactory)
	sinks   = make(map[string]SinkFactory)
)

// RegisterWriter registers a stats writer type.
func RegisterWriter(name string, factory WriterFactory) {
	if _, exists := writers[name]; exists {
		panic(fmt.Sprintf("writer type '%s' already registered", name))
	}
	writers[name] = factory
}

// RegisterSink registers a sink type.
func RegisterSink(name string, factory SinkFactory) {
	if _, exists := sinks[name]; exists {
		panic(fmt.Sprintf("sink type '%s' already registered", name))
	}
	sinks[name] = factory
}

// CreateWriters builds every enabled writer in cfg.Stats. A writer whose
// interval does not parse or whose constructor fails is skipped with a
// warning; an unknown writer type is an error.
func CreateWriters(cfg *config.Config) ([]model.Writer, error) {
	var out []model.Writer
	for _, def := range cfg.Stats.Writers {
		if !def.Enabled {
			continue
		}
		factory, ok := writers[def.Type]
		if !ok {
			return nil, fmt.Errorf("unknown writer type: '%s'", def.Type)
		}

		interval, err := time.ParseDuration(def.SnapshotInterval)
		if err != nil || interval <= 0 {
			log.Warnf("Invalid snapshot_interval %q for writer type '%s', skipping.", def.SnapshotInterval, def.Type)
			continue
		}

		w, err := factory(def, interval)
		if err != nil {
			log.WithError(err).Warnf("Failed to create writer type '%s', skipping.", def.Type)
			continue
		}
		log.Infof("Created stats writer '%s' with interval %s", def.Type, interval)
		out = append(out, w)
	}
	return out, nil
}

// CreateSink builds the sink named by cfg.Sink.Type.
func CreateSink(cfg *config.Config) (model.Sink, error) {
	factory, ok := sinks[cfg.Sink.Type]
	if !ok {
		return nil, fmt.Errorf("unknown sink type: '%s' (known: %v)", cfg.Sink.Type, SinkTypes())
	}
	s, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating sink type '%s': %w", cfg.Sink.Type, err)
	}
	return s, nil
}

// SinkTypes returns the registered sink type names, sorted.
func SinkTypes() []string {
	names := make([]string, 0, len(sinks))
	for name := range sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
