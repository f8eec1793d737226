// Package config loads and hot-reloads the gateway's configuration tree.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Values is the full configuration tree, reloaded from disk on every
// scheduler tick so that edits take effect without a restart.
type Values struct {
	LogLevel string `mapstructure:"log_level"`

	DiscoverInterval string `mapstructure:"discover_interval"`
	PingInterval     string `mapstructure:"ping_interval"`
	MeasureInterval  string `mapstructure:"measure_interval"`
	PushInterval     string `mapstructure:"push_interval"`
	UpdateInterval   string `mapstructure:"update_interval"`
	HealthInterval   string `mapstructure:"health_interval"`
	DailyInterval    string `mapstructure:"daily_interval"`
	NightlyInterval  string `mapstructure:"nightly_interval"`

	Network  Network  `mapstructure:"network"`
	Modbus   Modbus   `mapstructure:"modbus"`
	Cloud    Cloud    `mapstructure:"cloud"`
	Db       Db       `mapstructure:"db"`
	Hardware Hardware `mapstructure:"hardware"`
}

// Network configures the port-502 reachability sweep.
type Network struct {
	IPRangeStart string `mapstructure:"ip_range_start"`
	IPRangeEnd   string `mapstructure:"ip_range_end"`
	TimeoutMs    int    `mapstructure:"timeout"`
}

// Modbus configures the acquisition worker and the device schema catalogue.
type Modbus struct {
	InitialTimeoutMs   int                     `mapstructure:"initial_timeout"`
	InitialBackoffMs   int                     `mapstructure:"initial_backoff"`
	InitialRetries     int                     `mapstructure:"initial_retries"`
	BatchThreshold     int                     `mapstructure:"batch_threshold"`
	TerminationMs      int                     `mapstructure:"termination_timeout"`
	MetricHistorySize  int                     `mapstructure:"metric_history_size"`
	PingTimeoutMs      int                     `mapstructure:"ping_timeout"`
	InactiveTimeoutMs  int                     `mapstructure:"inactive_timeout"`
	DiscoveryTimeoutMs int                     `mapstructure:"discovery_timeout"`
	Devices            map[string]DeviceSchema `mapstructure:"devices"`
}

// Cloud configures the push/update HTTP client.
type Cloud struct {
	Domain    string `mapstructure:"domain"`
	SSL       bool   `mapstructure:"ssl"`
	APIKey    string `mapstructure:"api_key"`
	ID        string `mapstructure:"id"`
	TimeoutMs int    `mapstructure:"timeout"`
}

// Db configures the relational store connection.
type Db struct {
	TimeoutMs int    `mapstructure:"timeout"`
	SSL       bool   `mapstructure:"ssl"`
	Domain    string `mapstructure:"domain"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	Name      string `mapstructure:"name"`
}

// Hardware points at the local sensors available to the gateway.
type Hardware struct {
	TemperatureMonitor string `mapstructure:"temperature_monitor"`
}

// RegisterKind is the declarative, config-level description of one
// register. Type selects which of Multiplier/Length applies: one of
// "u16","u32","u64","s16","s32","s64","f32","f64","string".
type RegisterKind struct {
	Type       string   `mapstructure:"type"`
	Multiplier *float64 `mapstructure:"multiplier"`
	Length     uint16   `mapstructure:"length"`
}

// DetectRegister is a register whose parsed value is compared against
// Match (treated as a literal, or as a regexp when MatchIsRegex is set)
// to decide whether a destination runs this device kind.
type DetectRegister struct {
	Address      uint16       `mapstructure:"address"`
	Kind         RegisterKind `mapstructure:"kind"`
	Match        string       `mapstructure:"match"`
	MatchIsRegex bool         `mapstructure:"match_is_regex"`
}

// IdRegister contributes one segment to a device's identity string.
type IdRegister struct {
	Address uint16       `mapstructure:"address"`
	Kind    RegisterKind `mapstructure:"kind"`
}

// MeasurementRegister is one named value collected on every stream cycle.
type MeasurementRegister struct {
	Name    string       `mapstructure:"name"`
	Address uint16       `mapstructure:"address"`
	Kind    RegisterKind `mapstructure:"kind"`
}

// DeviceSchema is the detect/id/measurement register set for one device kind.
type DeviceSchema struct {
	Detect      []DetectRegister      `mapstructure:"detect"`
	Id          []IdRegister          `mapstructure:"id"`
	Measurement []MeasurementRegister `mapstructure:"measurement"`
}

// Manager owns a *viper.Viper and serves snapshots of Values, reloading
// from the backing file on demand. It is cheap to copy: all state lives
// behind the embedded pointer and mutex, matching the hot-reloadable
// config manager the scheduler clones into every job.
type Manager struct {
	v    *viper.Viper
	mu   *sync.RWMutex
	path string
}

// New builds a Manager for the config file at path (YAML/TOML/JSON chosen
// by extension) and performs the initial load.
func New(path string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return &Manager{v: v, mu: &sync.RWMutex{}, path: path}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("discover_interval", "@every 5m")
	v.SetDefault("ping_interval", "@every 1m")
	v.SetDefault("measure_interval", "@every 10s")
	v.SetDefault("push_interval", "@every 1m")
	v.SetDefault("update_interval", "@every 1m")
	v.SetDefault("health_interval", "@every 5m")
	v.SetDefault("daily_interval", "@every 24h")
	v.SetDefault("nightly_interval", "0 0 3 * * *")
	v.SetDefault("network.timeout", 500)
	v.SetDefault("modbus.initial_timeout", 1000)
	v.SetDefault("modbus.initial_backoff", 100)
	v.SetDefault("modbus.initial_retries", 3)
	v.SetDefault("modbus.batch_threshold", 16)
	v.SetDefault("modbus.termination_timeout", 5000)
	v.SetDefault("modbus.metric_history_size", 32)
	v.SetDefault("modbus.ping_timeout", 500)
	v.SetDefault("modbus.inactive_timeout", 600000)
	v.SetDefault("modbus.discovery_timeout", 86400000)
	v.SetDefault("cloud.timeout", 10000)
	v.SetDefault("db.timeout", 5000)
}

// Values returns the current in-memory snapshot without touching disk.
func (m *Manager) Values() (Values, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return unmarshal(m.v)
}

// Reload re-reads the backing file and returns the refreshed snapshot.
func (m *Manager) Reload() (Values, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.v.ReadInConfig(); err != nil {
		return Values{}, fmt.Errorf("failed to reload config %s: %w", m.path, err)
	}
	return unmarshal(m.v)
}

func unmarshal(v *viper.Viper) (Values, error) {
	var values Values
	if err := v.Unmarshal(&values); err != nil {
		return Values{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return values, nil
}

// CronExpr normalizes an interval string from config into a robfig/cron
// expression. A bare integer is treated as a millisecond cadence and
// rewritten as "@every Nms"; anything else passes through unchanged,
// since robfig/cron already accepts "@every ..." and standard cron
// strings verbatim.
func CronExpr(interval string) string {
	interval = strings.TrimSpace(interval)
	if ms, err := strconv.Atoi(interval); err == nil {
		return "@every " + (time.Duration(ms) * time.Millisecond).String()
	}
	return interval
}
