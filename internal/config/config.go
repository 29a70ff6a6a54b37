// Package config loads the YAML-backed configuration shared by the
// stack components: per-connection TCP timing/sizing constants and an
// interface's MAC/IPv4 identity. A missing file is not an error; every
// field has a usable zero-value default.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/minnow-net/minnow/internal/linklayer"
)

const (
	defaultInitialRTOMillis = 1_000
	defaultMaxPayloadSize   = 1_452
	defaultStreamCapacity   = 64_000
)

// Interface identifies an interface's own MAC and IPv4 address.
type Interface struct {
	MAC  string `yaml:"mac"`
	IPv4 string `yaml:"ipv4"`
}

// Config holds the tunables a driver needs to build a Sender, Receiver,
// and NetworkInterface. Zero values are replaced with the package's
// defaults by Load, so a caller may also build one by hand and leave
// fields unset.
type Config struct {
	InitialRTOMillis uint64    `yaml:"initial_rto_millis"`
	MaxPayloadSize   int       `yaml:"max_payload_size"`
	StreamCapacity   int       `yaml:"stream_capacity"`
	Interface        Interface `yaml:"interface"`
}

// ApplyDefaults fills any zero-valued tunable with its built-in default.
func (c *Config) ApplyDefaults() {
	if c.InitialRTOMillis == 0 {
		c.InitialRTOMillis = defaultInitialRTOMillis
	}
	if c.MaxPayloadSize == 0 {
		c.MaxPayloadSize = defaultMaxPayloadSize
	}
	if c.StreamCapacity == 0 {
		c.StreamCapacity = defaultStreamCapacity
	}
}

// Load reads and parses a YAML config file at path. A missing file
// yields a default Config rather than an error; a present but malformed
// file is reported.
func Load(path string) (Config, error) {
	var cfg Config

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: stat %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	slog.Debug("config: loaded", "path", path, "size", info.Size())
	return cfg, nil
}

// ParseMAC parses a colon-separated MAC address string, as produced by
// linklayer.MAC.String.
func ParseMAC(s string) (linklayer.MAC, error) {
	var mac linklayer.MAC
	var parsed [6]int
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&parsed[0], &parsed[1], &parsed[2], &parsed[3], &parsed[4], &parsed[5])
	if err != nil || n != 6 {
		return mac, fmt.Errorf("config: invalid mac address %q", s)
	}
	for i, v := range parsed {
		mac[i] = byte(v)
	}
	return mac, nil
}

// ParseIPv4 parses a dotted-quad IPv4 address string into its u32 wire
// representation.
func ParseIPv4(s string) (uint32, error) {
	var a, b, c, d int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d)
	if err != nil || n != 4 {
		return 0, fmt.Errorf("config: invalid ipv4 address %q", s)
	}
	for _, v := range []int{a, b, c, d} {
		if v < 0 || v > 255 {
			return 0, fmt.Errorf("config: invalid ipv4 address %q", s)
		}
	}
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d), nil
}
