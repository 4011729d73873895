package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the simulator's boot configuration. Grounded on the
// teacher's broad use of gopkg.in/yaml.v3 for structured config
// (bundle.Metadata, alpine build manifests): a flat struct loaded
// with yaml.Unmarshal, then overridden field-by-field by flags that
// were explicitly set on the command line.
type Config struct {
	RAMSizeMB int    `yaml:"ram_size_mb"`
	Image     string `yaml:"image"`
	ImageAddr uint32 `yaml:"image_addr"`
	DTB       string `yaml:"dtb"`
	MAC       string `yaml:"mac"`
	LogLevel  string `yaml:"log_level"`
}

// defaultConfig matches the machine's fixed memory map (spec §4.10):
// RAM starts at RAMBase and a flat image defaults to loading there.
func defaultConfig() Config {
	return Config{
		RAMSizeMB: 128,
		ImageAddr: 0x8000_0000,
		MAC:       "52:54:00:12:34:56",
		LogLevel:  "info",
	}
}

// loadConfig reads a YAML config file, if path is non-empty, on top
// of defaultConfig's values.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// parseMAC parses a colon-separated MAC address string into the
// 6-byte form virtio.NewNet expects.
func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	var parts [6]string
	n, err := fmt.Sscanf(s, "%2s:%2s:%2s:%2s:%2s:%2s",
		&parts[0], &parts[1], &parts[2], &parts[3], &parts[4], &parts[5])
	if err != nil || n != 6 {
		return mac, fmt.Errorf("invalid MAC address %q", s)
	}
	for i, p := range parts {
		var b int
		if _, err := fmt.Sscanf(p, "%x", &b); err != nil {
			return mac, fmt.Errorf("invalid MAC address %q", s)
		}
		mac[i] = byte(b)
	}
	return mac, nil
}
