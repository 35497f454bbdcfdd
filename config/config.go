// Package config loads busd's process configuration: a flat key=value
// file with BUSD_* environment overrides. cmd/busd binds its CLI flags
// separately and, when a config file is given, uses the loaded Config
// in place of the flags rather than layering one over the other.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Config is the broker's full set of tunables, loaded from a key=value
// file by Load. cmd/busd binds its CLI flags to its own busArgs
// struct, which carries the same flag tags, and copies them into a
// Config.
type Config struct {
	SocketPath     string `flag:"socket,default=/run/busd/system_bus_socket,Unix socket path to listen on"`
	MachineID      string `flag:"machine-id,Machine ID reported by org.freedesktop.DBus.Peer.GetMachineId (default: read from /etc/machine-id)"`
	DefaultQuota   int    `flag:"default-quota,default=1024,Per-peer outbound message quota"`
	SELinuxEnabled bool   `flag:"selinux,SELinux security context queries are supported"`
	ActivationDir  string `flag:"activation-dir,default=/usr/share/dbus-1/system-services,Directory of .service activation files"`
	PolicyFile     string `flag:"policy-file,Path to a uid-allowlist policy file (default: permissive)"`
	LogJSON        bool   `flag:"log-json,default=true,Emit structured logs as JSON instead of text"`
}

// envPrefix is prepended to a field's upper-cased config key (with '-'
// replaced by '_') to form the environment variable that overrides it,
// e.g. BUSD_SOCKET_PATH for "socket-path".
const envPrefix = "BUSD_"

// envKeys pairs a Config key (as accepted by set) with the
// environment variable that overrides it. Overrides apply after the
// file (or Defaults) is parsed, so they win over the file. cmd/busd
// does not apply CLI flags on top of what Load returns.
var envKeys = map[string]string{
	"socket-path":    envPrefix + "SOCKET_PATH",
	"machine-id":     envPrefix + "MACHINE_ID",
	"default-quota":  envPrefix + "DEFAULT_QUOTA",
	"selinux":        envPrefix + "SELINUX",
	"activation-dir": envPrefix + "ACTIVATION_DIR",
	"policy-file":    envPrefix + "POLICY_FILE",
	"log-json":       envPrefix + "LOG_JSON",
}

// Load reads a flat key=value file, one assignment per line. Blank
// lines and lines starting with '#' are ignored. Keys are matched
// case-insensitively and may be written with or without '-' (e.g.
// "socket-path" or "socketpath", "default-quota" or "defaultquota").
//
// After the file is parsed, any BUSD_* environment variable listed in
// envKeys overrides the corresponding field, letting a deployment
// tweak a single value without editing the file.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	cfg, err := parse(f)
	if err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	for key, envVar := range envKeys {
		val, ok := os.LookupEnv(envVar)
		if !ok {
			continue
		}
		if err := set(cfg, key, val); err != nil {
			return fmt.Errorf("environment variable %s: %w", envVar, err)
		}
	}
	return nil
}

func parse(r io.Reader) (Config, error) {
	cfg := Defaults()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return Config{}, fmt.Errorf("config line %d: missing '=' in %q", lineNo, line)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if err := set(&cfg, key, val); err != nil {
			return Config{}, fmt.Errorf("config line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func set(cfg *Config, key, val string) error {
	switch strings.ToLower(key) {
	case "socket-path", "socketpath":
		cfg.SocketPath = val
	case "machine-id", "machineid":
		cfg.MachineID = val
	case "default-quota", "defaultquota":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("default-quota: %w", err)
		}
		cfg.DefaultQuota = n
	case "selinux":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("selinux: %w", err)
		}
		cfg.SELinuxEnabled = b
	case "activation-dir", "activationdir":
		cfg.ActivationDir = val
	case "policy-file", "policyfile":
		cfg.PolicyFile = val
	case "log-json", "logjson":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("log-json: %w", err)
		}
		cfg.LogJSON = b
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// Defaults returns a Config with the same defaults flax would apply
// to unset flags, for use before any file or CLI binding runs.
func Defaults() Config {
	return Config{
		SocketPath:    "/run/busd/system_bus_socket",
		DefaultQuota:  1024,
		ActivationDir: "/usr/share/dbus-1/system-services",
		LogJSON:       true,
	}
}
