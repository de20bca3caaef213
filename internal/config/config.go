// Package config holds the configuration of the callscribe peer and relay,
// loaded with viper from a YAML file, CALLSCRIBE_* environment variables and
// defaults. CLI flags are applied on top by the commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/1ureka/callscribe/internal/call"
	"github.com/1ureka/callscribe/internal/transcript"
	"github.com/spf13/viper"
)

// Role represents the user's chosen role (caller or callee).
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Store kinds.
const (
	StoreSQLite = "sqlite"
	StoreRemote = "remote"
	StoreMemory = "memory" // relay backend only
)

// Capture sources.
const (
	SourceStdin = "stdin"
	SourceFile  = "file"
)

// Config stores every parameter of a peer or relay run.
type Config struct {
	Role       Role     `mapstructure:"role"`
	CallID     string   `mapstructure:"call_id"`
	Debug      bool     `mapstructure:"debug"`
	JoinPolicy string   `mapstructure:"join_policy"`
	ICEServers []string `mapstructure:"ice_servers"`

	Store   StoreConfig   `mapstructure:"store"`
	Capture CaptureConfig `mapstructure:"capture"`
	Relay   RelayConfig   `mapstructure:"relay"`
}

// StoreConfig selects the signaling store a peer uses.
type StoreConfig struct {
	Kind         string        `mapstructure:"kind"`          // sqlite | remote
	URL          string        `mapstructure:"url"`           // remote: relay base URL
	Path         string        `mapstructure:"path"`          // sqlite: database file
	PollInterval time.Duration `mapstructure:"poll_interval"` // sqlite: subscription poll period
}

// CaptureConfig configures the local transcript source.
type CaptureConfig struct {
	Language   string `mapstructure:"language"`
	Continuous bool   `mapstructure:"continuous"`
	Source     string `mapstructure:"source"` // stdin | file
	File       string `mapstructure:"file"`
}

// RelayConfig configures cmd/relay.
type RelayConfig struct {
	Addr    string `mapstructure:"addr"`
	Mode    string `mapstructure:"mode"`    // debug | release
	Backend string `mapstructure:"backend"` // memory | sqlite
	Path    string `mapstructure:"path"`    // sqlite backend file
}

// Options returns the capture options for a transcript source.
func (c CaptureConfig) Options() transcript.Options {
	return transcript.Options{Continuous: c.Continuous, Language: c.Language}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("role", "")
	v.SetDefault("call_id", "")
	v.SetDefault("debug", false)
	v.SetDefault("join_policy", string(call.JoinHandshake))
	v.SetDefault("ice_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})

	v.SetDefault("store.kind", StoreRemote)
	v.SetDefault("store.url", "http://127.0.0.1:8080")
	v.SetDefault("store.path", "callscribe.db")
	v.SetDefault("store.poll_interval", "250ms")

	v.SetDefault("capture.language", transcript.DefaultLanguage)
	v.SetDefault("capture.continuous", true)
	v.SetDefault("capture.source", SourceStdin)
	v.SetDefault("capture.file", "")

	v.SetDefault("relay.addr", ":8080")
	v.SetDefault("relay.mode", "release")
	v.SetDefault("relay.backend", StoreMemory)
	v.SetDefault("relay.path", "relay.db")
}

// Load reads configuration. With an explicit path the file must exist;
// otherwise config/callscribe.<CONFIG_ENV>.yaml is used when present.
// The second result names the file that was read ("" for none).
func Load(path string) (*Config, string, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("CALLSCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	used := ""
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("failed to read config %s: %w", path, err)
		}
		used = path
	} else {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName := fmt.Sprintf("config/callscribe.%s.yaml", env)
		v.SetConfigFile(fileName)
		if err := v.ReadInConfig(); err == nil {
			used = fileName
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, used, nil
}

// ValidatePeer checks the settings used by cmd/callscribe.
func (c *Config) ValidatePeer() error {
	var errs []error

	switch c.Role {
	case "", RoleCaller:
	case RoleCallee:
		if strings.TrimSpace(c.CallID) == "" {
			errs = append(errs, errors.New("callee needs a call ID"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown role %q (want %q or %q)", c.Role, RoleCaller, RoleCallee))
	}

	switch c.Store.Kind {
	case StoreRemote:
		if c.Store.URL == "" {
			errs = append(errs, errors.New("store.url is required for the remote store"))
		}
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q (want %q or %q)", c.Store.Kind, StoreRemote, StoreSQLite))
	}

	switch c.Capture.Source {
	case SourceStdin:
	case SourceFile:
		if c.Capture.File == "" {
			errs = append(errs, errors.New("capture.file is required for the file source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown capture source %q (want %q or %q)", c.Capture.Source, SourceStdin, SourceFile))
	}

	if _, err := c.Capture.Options().Tag(); err != nil {
		errs = append(errs, err)
	}
	if _, err := call.ParseJoinPolicy(c.JoinPolicy); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateRelay checks the settings used by cmd/relay.
func (c *Config) ValidateRelay() error {
	var errs []error
	if c.Relay.Addr == "" {
		errs = append(errs, errors.New("relay.addr is required"))
	}
	switch c.Relay.Mode {
	case "debug", "release":
	default:
		errs = append(errs, fmt.Errorf("unknown relay mode %q (want debug or release)", c.Relay.Mode))
	}
	switch c.Relay.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Relay.Path == "" {
			errs = append(errs, errors.New("relay.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown relay backend %q (want %q or %q)", c.Relay.Backend, StoreMemory, StoreSQLite))
	}
	return errors.Join(errs...)
}
