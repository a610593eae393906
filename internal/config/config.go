// Package config loads the v1link service configuration. Every field is
// optional: omitted values fall back to the defaults returned by the Get*
// methods, so a partial file is always safe.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/v1link/internal/link"
	"github.com/banshee-data/v1link/internal/session"
	"github.com/banshee-data/v1link/internal/units"
)

// DefaultConfigPath is the canonical defaults file shipped with the repo.
const DefaultConfigPath = "config/v1link.defaults.json"

// Transport names accepted by the "transport" field.
const (
	TransportBLE      = "ble"
	TransportSerial   = "serial"
	TransportSim      = "sim"
	TransportDisabled = "disabled"
)

var validTransports = []string{TransportBLE, TransportSerial, TransportSim, TransportDisabled}

// Config is the root configuration. Durations are strings like "500ms".
type Config struct {
	Transport     *string           `json:"transport,omitempty"`
	SerialPort    *string           `json:"serial_port,omitempty"`
	SerialOptions *link.PortOptions `json:"serial_options,omitempty"`
	DBPath        *string           `json:"db_path,omitempty"`
	Listen        *string           `json:"listen,omitempty"`
	Units         *string           `json:"units,omitempty"`
	Timezone      *string           `json:"timezone,omitempty"`
	Debug         *bool             `json:"debug,omitempty"`

	// Session timings
	ScanTimeout      *string `json:"scan_timeout,omitempty"`
	ScanRetryDelay   *string `json:"scan_retry_delay,omitempty"`
	ReconnectDelay   *string `json:"reconnect_delay,omitempty"`
	LivenessInterval *string `json:"liveness_interval,omitempty"`
	RequestTimeout   *string `json:"request_timeout,omitempty"`
	BulkTimeout      *string `json:"bulk_timeout,omitempty"`

	// Transport timings
	SilenceTimeout *string `json:"silence_timeout,omitempty"`
	SimInterval    *string `json:"sim_interval,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }

// EmptyConfig returns a Config with every field unset.
func EmptyConfig() *Config {
	return &Config{}
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() *Config {
	opts, _ := link.PortOptions{}.Normalize()
	return &Config{
		Transport:        ptrString(TransportBLE),
		SerialPort:       ptrString("/dev/ttyUSB0"),
		SerialOptions:    &opts,
		DBPath:           ptrString("v1link.db"),
		Listen:           ptrString(":8080"),
		Units:            ptrString(units.GHz),
		Timezone:         ptrString("UTC"),
		Debug:            ptrBool(false),
		ScanTimeout:      ptrString("10s"),
		ScanRetryDelay:   ptrString("15s"),
		ReconnectDelay:   ptrString("5s"),
		LivenessInterval: ptrString("1s"),
		RequestTimeout:   ptrString("5s"),
		BulkTimeout:      ptrString("10s"),
		SilenceTimeout:   ptrString("5s"),
		SimInterval:      ptrString("500ms"),
	}
}

// LoadConfig reads a Config from a JSON file. The file must have a .json
// extension and be under 1MB.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upwards from the
// working directory. It panics when the file cannot be found; tests use it.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every set field.
func (c *Config) Validate() error {
	if c.Transport != nil {
		valid := false
		for _, t := range validTransports {
			if *c.Transport == t {
				valid = true
			}
		}
		if !valid {
			return fmt.Errorf("transport must be one of %s, got %q", strings.Join(validTransports, ", "), *c.Transport)
		}
	}
	if c.SerialOptions != nil {
		if _, err := c.SerialOptions.Normalize(); err != nil {
			return fmt.Errorf("serial_options: %w", err)
		}
	}
	if c.Units != nil && !units.IsValid(*c.Units) {
		return fmt.Errorf("units must be one of %s, got %q", units.GetValidUnitsString(), *c.Units)
	}
	if c.Timezone != nil && !units.IsTimezoneValid(*c.Timezone) {
		return fmt.Errorf("invalid timezone %q", *c.Timezone)
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"scan_timeout", c.ScanTimeout},
		{"scan_retry_delay", c.ScanRetryDelay},
		{"reconnect_delay", c.ReconnectDelay},
		{"liveness_interval", c.LivenessInterval},
		{"request_timeout", c.RequestTimeout},
		{"bulk_timeout", c.BulkTimeout},
		{"silence_timeout", c.SilenceTimeout},
		{"sim_interval", c.SimInterval},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}
	return nil
}

func getString(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (c *Config) GetTransport() string  { return getString(c.Transport, TransportBLE) }
func (c *Config) GetSerialPort() string { return getString(c.SerialPort, "/dev/ttyUSB0") }
func (c *Config) GetDBPath() string     { return getString(c.DBPath, "v1link.db") }
func (c *Config) GetListen() string     { return getString(c.Listen, ":8080") }
func (c *Config) GetUnits() string      { return getString(c.Units, units.GHz) }
func (c *Config) GetTimezone() string   { return getString(c.Timezone, "UTC") }

// GetSerialOptions returns the normalized serial options, 19200 8N1 when
// unset.
func (c *Config) GetSerialOptions() link.PortOptions {
	var opts link.PortOptions
	if c.SerialOptions != nil {
		opts = *c.SerialOptions
	}
	n, err := opts.Normalize()
	if err != nil {
		n, _ = link.PortOptions{}.Normalize()
	}
	return n
}

// GetDebug returns the debug value or false.
func (c *Config) GetDebug() bool {
	if c.Debug == nil {
		return false
	}
	return *c.Debug
}

// GetSilenceTimeout is the BLE silence window before a connection counts as
// dead.
func (c *Config) GetSilenceTimeout() time.Duration {
	return getDuration(c.SilenceTimeout, link.DefaultSilenceTimeout)
}

// GetSimInterval is the simulator broadcast period.
func (c *Config) GetSimInterval() time.Duration {
	return getDuration(c.SimInterval, 500*time.Millisecond)
}

// SessionOptions returns the session timings. The caller fills in the
// transport, sink and observer.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		ScanTimeout:      getDuration(c.ScanTimeout, 10*time.Second),
		ScanRetryDelay:   getDuration(c.ScanRetryDelay, 15*time.Second),
		ReconnectDelay:   getDuration(c.ReconnectDelay, 5*time.Second),
		LivenessInterval: getDuration(c.LivenessInterval, time.Second),
		RequestTimeout:   getDuration(c.RequestTimeout, 5*time.Second),
		BulkTimeout:      getDuration(c.BulkTimeout, 10*time.Second),
	}
}

// NewTransport builds the configured link transport.
func (c *Config) NewTransport() (link.Transport, error) {
	switch t := c.GetTransport(); t {
	case TransportBLE:
		return link.NewBLETransport(c.GetSilenceTimeout()), nil
	case TransportSerial:
		return link.NewSerialTransport(c.GetSerialPort(), c.GetSerialOptions(), nil), nil
	case TransportSim:
		return link.NewSimTransport(c.GetSimInterval()), nil
	case TransportDisabled:
		return link.DisabledTransport{}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", t)
	}
}
