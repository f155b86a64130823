// Package config loads agentchat settings from flags, AGENTCHAT_* environment
// variables and an optional YAML config file, in that order of precedence.
package config

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/agentchat/pkg/notify"
	"github.com/go-go-golems/agentchat/pkg/persistence"
	"github.com/go-go-golems/agentchat/pkg/session"
)

const EnvPrefix = "AGENTCHAT"

const (
	KeyConfig             = "config"
	KeyHTTPURL            = "http-url"
	KeyWSURL              = "ws-url"
	KeyUserID             = "user-id"
	KeyStore              = "store"
	KeySQLitePath         = "sqlite-path"
	KeyRedisAddr          = "redis-addr"
	KeyEvents             = "events"
	KeyEventsStreamPrefix = "events-stream-prefix"
	KeyEventsGroup        = "events-group"
	KeyEventsConsumer     = "events-consumer"
	KeyNoSessionPolicy    = "no-session-policy"
	KeyReconnectDelay     = "reconnect-delay"
	KeyLogLevel           = "log-level"
	KeyLogFormat          = "log-format"
	KeyLogFile            = "log-file"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

var ErrMissingEndpoints = errors.New("config: http-url and ws-url must both be set")

type Settings struct {
	HTTPURL string `mapstructure:"http-url" yaml:"http-url"`
	WSURL   string `mapstructure:"ws-url" yaml:"ws-url"`
	UserID  string `mapstructure:"user-id" yaml:"user-id"`

	Store      string `mapstructure:"store" yaml:"store"`
	SQLitePath string `mapstructure:"sqlite-path" yaml:"sqlite-path"`
	RedisAddr  string `mapstructure:"redis-addr" yaml:"redis-addr"`

	Events             string `mapstructure:"events" yaml:"events"`
	EventsStreamPrefix string `mapstructure:"events-stream-prefix" yaml:"events-stream-prefix"`
	EventsGroup        string `mapstructure:"events-group" yaml:"events-group"`
	EventsConsumer     string `mapstructure:"events-consumer" yaml:"events-consumer"`

	NoSessionPolicy string        `mapstructure:"no-session-policy" yaml:"no-session-policy"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect-delay" yaml:"reconnect-delay"`

	LogLevel  string `mapstructure:"log-level" yaml:"log-level"`
	LogFormat string `mapstructure:"log-format" yaml:"log-format"`
	LogFile   string `mapstructure:"log-file" yaml:"log-file"`
}

func Defaults() Settings {
	return Settings{
		UserID:             session.DefaultUserID,
		Store:              StoreSQLite,
		SQLitePath:         DefaultSQLitePath(),
		Events:             notify.BackendNone,
		EventsStreamPrefix: notify.DefaultStreamPrefix,
		EventsGroup:        "agentchat",
		EventsConsumer:     "agentchat-cli",
		NoSessionPolicy:    string(session.PolicyAwaitChoice),
		ReconnectDelay:     session.DefaultReconnectDelay,
		LogLevel:           "info",
		LogFormat:          "auto",
	}
}

// DefaultSQLitePath is ~/.agentchat/state.db, or a relative file when there is no home.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "agentchat-state.db"
	}
	return filepath.Join(home, ".agentchat", "state.db")
}

// AddFlags registers the persistent flags every command shares.
func AddFlags(cmd *cobra.Command) {
	d := Defaults()
	f := cmd.PersistentFlags()
	f.String(KeyConfig, "", "Path to a YAML config file (default ~/.agentchat/config.yaml)")
	f.String(KeyHTTPURL, d.HTTPURL, "Base HTTP URL of the agent service")
	f.String(KeyWSURL, d.WSURL, "Base WebSocket URL of the agent service")
	f.String(KeyUserID, d.UserID, "User id to chat as")
	f.String(KeyStore, d.Store, "Where the active session id is remembered: memory, sqlite or redis")
	f.String(KeySQLitePath, d.SQLitePath, "SQLite file for --store sqlite")
	f.String(KeyRedisAddr, d.RedisAddr, "Redis address for --store redis and --events redis")
	f.String(KeyEvents, d.Events, "Mirror chat events to: none, memory or redis")
	f.String(KeyEventsStreamPrefix, d.EventsStreamPrefix, "Topic/stream prefix for mirrored events")
	f.String(KeyEventsGroup, d.EventsGroup, "Redis consumer group used when following events")
	f.String(KeyEventsConsumer, d.EventsConsumer, "Redis consumer name used when following events")
	f.String(KeyNoSessionPolicy, d.NoSessionPolicy, "What to do when no session can be resumed: await-choice or auto-create")
	f.Duration(KeyReconnectDelay, d.ReconnectDelay, "Delay before reconnecting after an unexpected close")
	f.String(KeyLogLevel, d.LogLevel, "Log level: trace, debug, info, warn, error")
	f.String(KeyLogFormat, d.LogFormat, "Log format: auto, console or json")
	f.String(KeyLogFile, d.LogFile, "Write logs to this file instead of stderr")
}

// Load merges defaults, the config file, the environment and cmd's flags.
func Load(cmd *cobra.Command) (*Settings, error) {
	v := viper.New()
	d := Defaults()
	v.SetDefault(KeyUserID, d.UserID)
	v.SetDefault(KeyStore, d.Store)
	v.SetDefault(KeySQLitePath, d.SQLitePath)
	v.SetDefault(KeyEvents, d.Events)
	v.SetDefault(KeyEventsStreamPrefix, d.EventsStreamPrefix)
	v.SetDefault(KeyEventsGroup, d.EventsGroup)
	v.SetDefault(KeyEventsConsumer, d.EventsConsumer)
	v.SetDefault(KeyNoSessionPolicy, d.NoSessionPolicy)
	v.SetDefault(KeyReconnectDelay, d.ReconnectDelay)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogFormat, d.LogFormat)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	s.normalize()
	return s, nil
}

func readConfigFile(v *viper.Viper) error {
	v.SetConfigType("yaml")
	if path := v.GetString(KeyConfig); path != "" {
		v.SetConfigFile(path)
		return errors.Wrapf(v.ReadInConfig(), "read config %s", path)
	}
	v.SetConfigName("config")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".agentchat"))
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "read config")
	}
	return nil
}

func (s *Settings) normalize() {
	s.HTTPURL = strings.TrimRight(strings.TrimSpace(s.HTTPURL), "/")
	s.WSURL = strings.TrimRight(strings.TrimSpace(s.WSURL), "/")
	s.UserID = strings.TrimSpace(s.UserID)
	if s.UserID == "" {
		s.UserID = session.DefaultUserID
	}
	s.Store = strings.ToLower(strings.TrimSpace(s.Store))
	s.Events = strings.ToLower(strings.TrimSpace(s.Events))
}

// Validate reports settings that cannot work. Missing endpoints are reported with
// ErrMissingEndpoints so callers can decide whether that is fatal.
func (s *Settings) Validate() error {
	switch s.Store {
	case StoreMemory:
	case StoreSQLite:
		if s.SQLitePath == "" {
			return errors.New("config: --store sqlite needs --sqlite-path")
		}
	case StoreRedis:
		if s.RedisAddr == "" {
			return errors.New("config: --store redis needs --redis-addr")
		}
	default:
		return errors.Errorf("config: unknown store %q", s.Store)
	}
	switch s.Events {
	case notify.BackendNone, notify.BackendMemory:
	case notify.BackendRedis:
		if s.RedisAddr == "" {
			return errors.New("config: --events redis needs --redis-addr")
		}
	default:
		return errors.Errorf("config: unknown events backend %q", s.Events)
	}
	if _, err := session.ParseNoSessionPolicy(s.NoSessionPolicy); err != nil {
		return err
	}
	if s.ReconnectDelay < 0 {
		return errors.New("config: reconnect-delay must not be negative")
	}
	for key, raw := range map[string]string{KeyHTTPURL: s.HTTPURL, KeyWSURL: s.WSURL} {
		if raw == "" {
			continue
		}
		if _, err := url.Parse(raw); err != nil {
			return errors.Wrapf(err, "config: invalid %s", key)
		}
	}
	if s.HTTPURL == "" || s.WSURL == "" {
		return ErrMissingEndpoints
	}
	return nil
}

// Policy returns the parsed no-session policy, defaulting to await-choice.
func (s *Settings) Policy() session.NoSessionPolicy {
	p, err := session.ParseNoSessionPolicy(s.NoSessionPolicy)
	if err != nil {
		return session.PolicyAwaitChoice
	}
	return p
}

// OpenStore opens the key-value backend that remembers the active session id.
func (s *Settings) OpenStore(ctx context.Context) (persistence.Store, func() error, error) {
	switch s.Store {
	case StoreMemory:
		st := persistence.NewMemoryStore()
		return st, st.Close, nil
	case StoreSQLite:
		if dir := filepath.Dir(s.SQLitePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, errors.Wrap(err, "create sqlite directory")
			}
		}
		dsn, err := persistence.SQLiteDSNForFile(s.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		st, err := persistence.NewSQLiteStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case StoreRedis:
		st, err := persistence.NewRedisStore(s.RedisAddr, EnvPrefix+":")
		if err != nil {
			return nil, nil, err
		}
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, nil, errors.Wrap(err, "redis store: ping")
		}
		return st, st.Close, nil
	default:
		return nil, nil, errors.Errorf("config: unknown store %q", s.Store)
	}
}

func (s *Settings) NotifySettings() notify.Settings {
	return notify.Settings{
		Backend:  s.Events,
		Addr:     s.RedisAddr,
		Prefix:   s.EventsStreamPrefix,
		Group:    s.EventsGroup,
		Consumer: s.EventsConsumer,
	}
}
