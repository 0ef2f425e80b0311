// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for keel.
//
// Configuration is loaded from a single YAML file specified by:
//   - KEEL_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There is no automatic discovery. Values absent from the file keep the
// defaults from [Default]. Path fields support ${VAR} and
// ${VAR:-default} expansion; KEEL_BASE refers to paths.base.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration.
type Config struct {
	// Paths configures filesystem locations.
	Paths PathsConfig `yaml:"paths"`

	// Sandbox configures command execution inside the sandbox root.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Network configures the network policy engine.
	Network NetworkConfig `yaml:"network"`

	// Cache configures the content-addressed build cache.
	Cache CacheConfig `yaml:"cache"`
}

// PathsConfig configures filesystem locations.
type PathsConfig struct {
	// SandboxRoot is the root build and run commands are chrooted into.
	// Default: /keel/root
	SandboxRoot string `yaml:"sandbox_root"`

	// Workdir is the default working directory for build steps, and
	// the directory dependency files are resolved against.
	// Default: /work
	Workdir string `yaml:"workdir"`

	// Base holds content-addressed build roots (.roots) and the
	// per-container current-version links (.lnk).
	// Default: /keel/base
	Base string `yaml:"base"`

	// Namespaces holds the network namespace handles, one per node,
	// named net.<ip>.
	// Default: /run/keel/namespaces
	Namespaces string `yaml:"namespaces"`
}

// SandboxConfig configures command execution.
type SandboxConfig struct {
	// Supervisor selects how commands are spawned: "chroot" (requires
	// CAP_SYS_CHROOT) or "bwrap" (bubblewrap, unprivileged).
	// Default: chroot
	Supervisor string `yaml:"supervisor"`

	// Environ is the base environment of every command. Per-command
	// overrides are layered on top.
	Environ map[string]string `yaml:"environ"`

	// Binds are extra bind mounts for the bwrap supervisor, as
	// "source:dest[:ro|rw]". Typically the project directory at
	// paths.workdir.
	Binds []string `yaml:"binds"`
}

// NetworkConfig configures the network policy engine.
type NetworkConfig struct {
	// BridgeAddress is the management-plane address isolated nodes may
	// still exchange traffic with.
	// Default: 172.18.0.254
	BridgeAddress string `yaml:"bridge_address"`

	// RuleLoader is the program that installs a ruleset read from
	// stdin.
	// Default: iptables-restore
	RuleLoader string `yaml:"rule_loader"`
}

// CacheConfig configures the build cache.
type CacheConfig struct {
	// Compression is applied to build records: "zstd", "lz4" or "none".
	// Default: zstd
	Compression string `yaml:"compression"`
}

// DefaultPath is the PATH given to sandboxed commands when the config
// does not set one.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			SandboxRoot: "/keel/root",
			Workdir:     "/work",
			Base:        "/keel/base",
			Namespaces:  "/run/keel/namespaces",
		},
		Sandbox: SandboxConfig{
			Supervisor: "chroot",
			Environ: map[string]string{
				"PATH": DefaultPath,
				"HOME": "/root",
			},
		},
		Network: NetworkConfig{
			BridgeAddress: "172.18.0.254",
			RuleLoader:    "iptables-restore",
		},
		Cache: CacheConfig{
			Compression: "zstd",
		},
	}
}

// Load loads configuration from the KEEL_CONFIG environment variable.
func Load() (*Config, error) {
	configPath := os.Getenv("KEEL_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("KEEL_CONFIG environment variable not set; " +
			"set it to the path of your keel.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, layered over
// Default, then expands variables and validates.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.Base = expandVars(c.Paths.Base, vars)
	vars["KEEL_BASE"] = c.Paths.Base

	c.Paths.SandboxRoot = expandVars(c.Paths.SandboxRoot, vars)
	c.Paths.Workdir = expandVars(c.Paths.Workdir, vars)
	c.Paths.Namespaces = expandVars(c.Paths.Namespaces, vars)
	for i, bind := range c.Sandbox.Binds {
		c.Sandbox.Binds[i] = expandVars(bind, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	for name, value := range map[string]string{
		"paths.sandbox_root": c.Paths.SandboxRoot,
		"paths.workdir":      c.Paths.Workdir,
		"paths.base":         c.Paths.Base,
		"paths.namespaces":   c.Paths.Namespaces,
	} {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		} else if !filepath.IsAbs(value) {
			errs = append(errs, fmt.Errorf("%s must be absolute, got %q", name, value))
		}
	}

	switch c.Sandbox.Supervisor {
	case "chroot", "bwrap":
	default:
		errs = append(errs, fmt.Errorf("sandbox.supervisor must be chroot or bwrap, got %q", c.Sandbox.Supervisor))
	}

	if net.ParseIP(c.Network.BridgeAddress) == nil {
		errs = append(errs, fmt.Errorf("network.bridge_address is not an IP address: %q", c.Network.BridgeAddress))
	}
	if c.Network.RuleLoader == "" {
		errs = append(errs, fmt.Errorf("network.rule_loader is required"))
	}

	switch c.Cache.Compression {
	case "zstd", "lz4", "none":
	default:
		errs = append(errs, fmt.Errorf("cache.compression must be zstd, lz4 or none, got %q", c.Cache.Compression))
	}

	return errors.Join(errs...)
}
