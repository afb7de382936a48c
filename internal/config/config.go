package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Mirror modes for FlowTableConfig.MirrorMode.
const (
	MirrorDirect   = "direct"
	MirrorDeferred = "deferred"
)

// EngineConfig holds the receive-context layout.
type EngineConfig struct {
	NumContexts    int `yaml:"num_contexts"`
	MaxInterfaces  int `yaml:"max_interfaces"`
	InputQueueSize int `yaml:"input_queue_size"`
}

// FlowTableConfig holds the flow table and hardware mirror settings.
type FlowTableConfig struct {
	Capacity           uint32 `yaml:"capacity"`
	MaxSkid            uint32 `yaml:"max_skid"`
	MirrorMode         string `yaml:"mirror_mode"`
	UpdateQueueSize    int    `yaml:"update_queue_size"`
	UpdateInterval     string `yaml:"update_interval"`
	InvalidateInterval string `yaml:"invalidate_interval"`
}

// AggregationConfig holds the hardware-contract thresholds of the aggregation
// state machine.
type AggregationConfig struct {
	// MaxPayload bounds the growth of the hardware cumulative length between
	// two consecutive continuation packets.
	MaxPayload       uint32 `yaml:"max_payload"`
	MaxSegments      uint32 `yaml:"max_segments"`
	MaxAggregateSize uint32 `yaml:"max_aggregate_size"`
}

// NATSConfig holds the NATS sink settings.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// PcapConfig holds the pcap sink settings.
type PcapConfig struct {
	Path              string `yaml:"path"`
	ChannelBufferSize int    `yaml:"channel_buffer_size"`
}

// SinkConfig selects the consumer that receives delivered buffers.
type SinkConfig struct {
	Type string     `yaml:"type"`
	NATS NATSConfig `yaml:"nats"`
	Pcap PcapConfig `yaml:"pcap"`
}

// ClickHouseConfig holds the connection details for a ClickHouse database.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// GobConfig holds the settings for the on-disk gob writer.
type GobConfig struct {
	RootPath string `yaml:"root_path"`
}

// WriterDef defines a single stats writer.
type WriterDef struct {
	Type             string           `yaml:"type"`
	Enabled          bool             `yaml:"enabled"`
	SnapshotInterval string           `yaml:"snapshot_interval"`
	Gob              GobConfig        `yaml:"gob"`
	ClickHouse       ClickHouseConfig `yaml:"clickhouse"`
}

// StatsConfig holds the stats snapshot writers.
type StatsConfig struct {
	Writers []WriterDef `yaml:"writers"`
}

// APIConfig holds the control API settings.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// GRPCConfig holds the gRPC health endpoint settings.
type GRPCConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig holds the logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	FlowTable   FlowTableConfig   `yaml:"flow_table"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Sink        SinkConfig        `yaml:"sink"`
	Stats       StatsConfig       `yaml:"stats"`
	API         APIConfig         `yaml:"api"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Log         LogConfig         `yaml:"log"`
}

// Default returns a configuration that works without a file.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			NumContexts:    4,
			MaxInterfaces:  16,
			InputQueueSize: 1024,
		},
		FlowTable: FlowTableConfig{
			Capacity:           2048,
			MaxSkid:            16,
			MirrorMode:         MirrorDirect,
			UpdateQueueSize:    512,
			UpdateInterval:     "50ms",
			InvalidateInterval: "10ms",
		},
		Aggregation: AggregationConfig{
			MaxPayload:       1472,
			MaxSegments:      64,
			MaxAggregateSize: 65535,
		},
		Sink: SinkConfig{
			Type: "discard",
			NATS: NATSConfig{Subject: "netspectra.rx.aggregates"},
		},
		API:  APIConfig{ListenAddr: ":8080"},
		GRPC: GRPCConfig{ListenAddr: ":9090"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads the configuration from a YAML file on top of Default and
// validates the result.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the engine relies on.
func (c *Config) Validate() error {
	ft := c.FlowTable
	if ft.Capacity == 0 || ft.Capacity&(ft.Capacity-1) != 0 {
		return fmt.Errorf("%w: flow_table.capacity %d is not a power of two", ErrInvalid, ft.Capacity)
	}
	if ft.MaxSkid >= ft.Capacity {
		return fmt.Errorf("%w: flow_table.max_skid %d must be below capacity %d", ErrInvalid, ft.MaxSkid, ft.Capacity)
	}
	if ft.MirrorMode != MirrorDirect && ft.MirrorMode != MirrorDeferred {
		return fmt.Errorf("%w: unknown flow_table.mirror_mode %q", ErrInvalid, ft.MirrorMode)
	}
	if ft.MirrorMode == MirrorDeferred && ft.UpdateQueueSize <= 0 {
		return fmt.Errorf("%w: flow_table.update_queue_size must be positive in deferred mode", ErrInvalid)
	}
	if d, err := ParseDuration(ft.UpdateInterval); err != nil {
		return fmt.Errorf("%w: flow_table.update_interval: %v", ErrInvalid, err)
	} else if d == 0 && ft.MirrorMode == MirrorDeferred {
		return fmt.Errorf("%w: flow_table.update_interval must be positive in deferred mode", ErrInvalid)
	}
	if _, err := ParseDuration(ft.InvalidateInterval); err != nil {
		return fmt.Errorf("%w: flow_table.invalidate_interval: %v", ErrInvalid, err)
	}

	e := c.Engine
	if e.NumContexts <= 0 || e.NumContexts > 256 {
		return fmt.Errorf("%w: engine.num_contexts %d out of range", ErrInvalid, e.NumContexts)
	}
	if e.MaxInterfaces <= 0 || e.MaxInterfaces > 256 {
		return fmt.Errorf("%w: engine.max_interfaces %d out of range", ErrInvalid, e.MaxInterfaces)
	}

	a := c.Aggregation
	if a.MaxPayload == 0 {
		return fmt.Errorf("%w: aggregation.max_payload must be positive", ErrInvalid)
	}
	if a.MaxAggregateSize == 0 || a.MaxAggregateSize > 65535 {
		return fmt.Errorf("%w: aggregation.max_aggregate_size %d out of range", ErrInvalid, a.MaxAggregateSize)
	}
	if a.MaxSegments == 0 || a.MaxSegments > 65535 {
		return fmt.Errorf("%w: aggregation.max_segments %d out of range", ErrInvalid, a.MaxSegments)
	}
	return nil
}

// ParseDuration parses a non-negative duration string; empty means zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// GetUpdateInterval returns the parsed deferred-mirror drain period.
func (ft FlowTableConfig) GetUpdateInterval() time.Duration {
	d, _ := ParseDuration(ft.UpdateInterval)
	return d
}

// GetInvalidateInterval returns the parsed invalidation coalescing window.
func (ft FlowTableConfig) GetInvalidateInterval() time.Duration {
	d, _ := ParseDuration(ft.InvalidateInterval)
	return d
}
