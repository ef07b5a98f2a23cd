/*
Package config handles the server configuration file. The file is JSON;
JSON being valid YAML, the loader parses it with the YAML machinery and a
YAML rendition of the same document works as well.
*/
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is the version of the server, set at build time.
var Version string

// Default bind addresses per the deployment contract: both listeners stay
// on loopback unless the config says otherwise.
const (
	DefaultListenHost  = "127.0.0.1"
	DefaultListenPort  = 8008
	DefaultMetricsHost = "127.0.0.1"
	DefaultMetricsPort = 8009
)

// PluginVariant selects the upstream adapter family serving a plugin.
type PluginVariant string

// Supported adapter families.
const (
	VariantDirectWS    PluginVariant = "directWs"
	VariantBlockPoller PluginVariant = "blockPoller"
	VariantWebhook     PluginVariant = "webhook"
)

type (
	// Config is the top-level server configuration.
	Config struct {
		InstanceCount int    `yaml:"instanceCount"`
		ListenHost    string `yaml:"listenHost"`
		ListenPort    uint16 `yaml:"listenPort"`
		MetricsHost   string `yaml:"metricsHost"`
		MetricsPort   uint16 `yaml:"metricsPort"`
		// PublicURI is this server's externally reachable base URL. It
		// shapes webhook delivery URLs and decides which provider-side
		// webhooks are trusted as ours.
		PublicURI string `yaml:"publicUri"`
		LogLevel  string `yaml:"logLevel"`
		LogPath   string `yaml:"logPath"`

		AlchemyAuthToken    string              `yaml:"alchemyAuthToken"`
		NowNodesAPIKey      string              `yaml:"nowNodesApiKey"`
		ServiceKeys         map[string][]string `yaml:"serviceKeys"`
		ServiceKeyURLParams map[string]string   `yaml:"serviceKeyUrlParams"`

		Plugins []PluginConfig `yaml:"plugins"`
		Pprof   BasicService   `yaml:"pprof"`
	}

	// PluginConfig describes one chain plugin.
	PluginConfig struct {
		PluginID string        `yaml:"pluginId"`
		Variant  PluginVariant `yaml:"variant"`
		// URLs are the upstream endpoints. The directWs variant dials the
		// first, blockPoller walks them in order as fallbacks. {{name}}
		// placeholders are expanded from serviceKeyUrlParams.
		URLs []string `yaml:"urls"`
		// Network is the provider-side chain name for webhook plugins,
		// e.g. ETH_MAINNET.
		Network string `yaml:"network"`
		// EVMLike switches on address lower-casing and EVM scraping rules.
		EVMLike bool `yaml:"evmLike"`
		// InternalTransfers toggles trace-based matching, on when absent.
		InternalTransfers *bool        `yaml:"internalTransfers"`
		PollIntervalMs    int          `yaml:"pollIntervalMs"`
		Scan              []ScanConfig `yaml:"scan"`
	}

	// ScanConfig describes one Etherscan-compatible history backend.
	ScanConfig struct {
		// Version selects the API dialect, 1 or 2.
		Version int    `yaml:"version"`
		URL     string `yaml:"url"`
		// ChainID is required by the v2 dialect.
		ChainID string `yaml:"chainId"`
	}

	// BasicService is the simple base for optional services like pprof.
	BasicService struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    uint16 `yaml:"port"`
	}
)

// Address returns the host:port the service binds to.
func (s BasicService) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}

// ListenAddress returns the client listener bind address.
func (c Config) ListenAddress() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(int(c.ListenPort)))
}

// MetricsAddress returns the Prometheus listener bind address.
func (c Config) MetricsAddress() string {
	return net.JoinHostPort(c.MetricsHost, strconv.Itoa(int(c.MetricsPort)))
}

// InternalTransfersEnabled reports whether trace-based matching is on.
func (p PluginConfig) InternalTransfersEnabled() bool {
	return p.InternalTransfers == nil || *p.InternalTransfers
}

// PollInterval returns the poll period, zero meaning the adapter default.
func (p PluginConfig) PollInterval() time.Duration {
	if p.PollIntervalMs <= 0 {
		return 0
	}
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

// Load reads and parses the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Config{
		InstanceCount: runtime.NumCPU(),
		ListenHost:    DefaultListenHost,
		ListenPort:    DefaultListenPort,
		MetricsHost:   DefaultMetricsHost,
		MetricsPort:   DefaultMetricsPort,
		LogLevel:      "info",
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unable to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.InstanceCount < 1 {
		return errors.New("instanceCount must be positive")
	}
	if c.ListenPort == 0 {
		return errors.New("listenPort must be set")
	}
	if c.MetricsPort == 0 {
		return errors.New("metricsPort must be set")
	}
	if c.PublicURI != "" {
		if _, err := url.ParseRequestURI(c.PublicURI); err != nil {
			return fmt.Errorf("publicUri: %w", err)
		}
	}

	seen := make(map[string]bool)
	for i := range c.Plugins {
		p := c.Plugins[i]
		if p.PluginID == "" {
			return fmt.Errorf("plugin #%d: pluginId missing", i)
		}
		if seen[p.PluginID] {
			return fmt.Errorf("plugin %s: configured twice", p.PluginID)
		}
		seen[p.PluginID] = true

		switch p.Variant {
		case VariantDirectWS, VariantBlockPoller:
			if len(p.URLs) == 0 {
				return fmt.Errorf("plugin %s: at least one url required", p.PluginID)
			}
		case VariantWebhook:
			if p.Network == "" {
				return fmt.Errorf("plugin %s: network required for webhook plugins", p.PluginID)
			}
			if c.PublicURI == "" {
				return fmt.Errorf("plugin %s: webhook plugins need publicUri", p.PluginID)
			}
			if c.AlchemyAuthToken == "" {
				return fmt.Errorf("plugin %s: webhook plugins need alchemyAuthToken", p.PluginID)
			}
		default:
			return fmt.Errorf("plugin %s: unknown variant %q", p.PluginID, p.Variant)
		}

		for _, raw := range p.URLs {
			u, err := url.Parse(raw)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("plugin %s: bad url %q", p.PluginID, raw)
			}
		}
		for _, s := range p.Scan {
			if s.Version != 1 && s.Version != 2 {
				return fmt.Errorf("plugin %s: scan version must be 1 or 2", p.PluginID)
			}
			if s.URL == "" {
				return fmt.Errorf("plugin %s: scan url missing", p.PluginID)
			}
			if s.Version == 2 && s.ChainID == "" {
				return fmt.Errorf("plugin %s: v2 scan needs chainId", p.PluginID)
			}
		}
		if p.PollIntervalMs < 0 {
			return fmt.Errorf("plugin %s: pollIntervalMs must not be negative", p.PluginID)
		}
	}
	return nil
}
