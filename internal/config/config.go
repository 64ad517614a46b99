// Package config holds the immutable, process-wide configuration struct
// passed by value to every subsystem, per spec.md §9 ("Global mutable
// state" design note). Modeled on the teacher's nbd.ServerConfig, loaded
// from YAML the same way.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the core-relevant config surface from spec.md §6.
type Config struct {
	BasePath              string        `yaml:"basePath"`
	Listen                string        `yaml:"listen"`
	IsProxy               bool          `yaml:"isProxy"`
	BackgroundReplication bool          `yaml:"backgroundReplication"`
	SparseFiles           bool          `yaml:"sparseFiles"`
	UplinkTimeout         time.Duration `yaml:"uplinkTimeout"`
	ClientTimeout         time.Duration `yaml:"clientTimeout"`
	CloseUnusedFd         bool          `yaml:"closeUnusedFd"`
	RemoveMissingImages   bool          `yaml:"removeMissingImages"`
	MaxImages             int           `yaml:"maxImages"`
	MaxReplicationSize    int64         `yaml:"maxReplicationSize"`
	BgrMinClients         int           `yaml:"bgrMinClients"`
	LookupMissingForProxy bool          `yaml:"lookupMissingForProxy"`
	ProxyPrivateOnly      bool          `yaml:"proxyPrivateOnly"`
	MaxIdleThreads        int           `yaml:"maxIdleThreads"`
	AltServersFile        string        `yaml:"altServersFile"`
	AsyncIO               bool          `yaml:"asyncIO"`
}

// Default returns a Config with the same defaults the original server
// ships with.
func Default() Config {
	return Config{
		BasePath:              "/srv/dnbd3",
		Listen:                ":5003",
		UplinkTimeout:         1250 * time.Millisecond,
		ClientTimeout:         15000 * time.Millisecond,
		MaxImages:             1024,
		BgrMinClients:         0,
		MaxIdleThreads:        10,
		AltServersFile:        "alt-servers",
	}
}

// Load reads and parses a YAML config file, filling in defaults for
// anything left unset.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.BasePath == "" {
		return cfg, fmt.Errorf("config: basePath must not be empty")
	}
	return cfg, nil
}

// AltServerEntry is one parsed line of the alt-servers file.
type AltServerEntry struct {
	Host         string
	Comment      string
	Private      bool // "-" prefix: replication only, never advertised to clients
	ClientOnly   bool // "+" prefix: advertised to clients only, never used for replication
}

// LoadAltServers parses the alt-servers file format from spec.md §6: one
// host per line, optionally prefixed with "-" (private) or "+"
// (client-only), optionally followed by a comment.
func LoadAltServers(path string) ([]AltServerEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading alt-servers file %s: %w", path, err)
	}
	var out []AltServerEntry
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var private, clientOnly bool
		for len(line) > 0 {
			switch line[0] {
			case '-':
				private = true
			case '+':
				clientOnly = true
			default:
				goto parsed
			}
			line = line[1:]
		}
	parsed:
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		entry := AltServerEntry{Host: fields[0], Private: private, ClientOnly: clientOnly}
		if len(fields) > 1 {
			entry.Comment = strings.Join(fields[1:], " ")
		}
		out = append(out, entry)
	}
	return out, nil
}
