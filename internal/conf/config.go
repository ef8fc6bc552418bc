// Package conf loads and validates livreur settings.
package conf

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/els-fr/livreur/internal/errors"
)

// EnvPrefix is prepended to every environment override, e.g. LIVREUR_API_BASE_URL.
const EnvPrefix = "LIVREUR"

// Settings is the complete runtime configuration.
type Settings struct {
	API          APISettings          `mapstructure:"api" yaml:"api"`
	Outbox       OutboxSettings       `mapstructure:"outbox" yaml:"outbox"`
	Cache        CacheSettings        `mapstructure:"cache" yaml:"cache"`
	Datastore    DatastoreSettings    `mapstructure:"datastore" yaml:"datastore"`
	Device       DeviceSettings       `mapstructure:"device" yaml:"device"`
	Connectivity ConnectivitySettings `mapstructure:"connectivity" yaml:"connectivity"`
	Push         PushSettings         `mapstructure:"push" yaml:"push"`
	Server       ServerSettings       `mapstructure:"server" yaml:"server"`
	Telemetry    TelemetrySettings    `mapstructure:"telemetry" yaml:"telemetry"`
	Log          LogSettings          `mapstructure:"log" yaml:"log"`
}

// APISettings points at the delivery backend.
type APISettings struct {
	BaseURL string   `mapstructure:"base_url" yaml:"base_url"`
	Timeout Duration `mapstructure:"timeout" yaml:"timeout"`
}

// OutboxSettings tunes the retry schedule of the submission queue.
type OutboxSettings struct {
	BaseDelay Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay  Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// CacheSettings configures the offline cache layer.
type CacheSettings struct {
	Version    string   `mapstructure:"version" yaml:"version"`
	Prefix     string   `mapstructure:"prefix" yaml:"prefix"`
	Backend    string   `mapstructure:"backend" yaml:"backend"` // badger or memory
	Dir        string   `mapstructure:"dir" yaml:"dir"`
	APIPattern string   `mapstructure:"api_pattern" yaml:"api_pattern"`
	Origin     string   `mapstructure:"origin" yaml:"origin"`
	Assets     []string `mapstructure:"assets" yaml:"assets"`
	// EmbeddedShell serves shell assets of Origin from the binary instead of
	// the network.
	EmbeddedShell bool `mapstructure:"embedded_shell" yaml:"embedded_shell"`
}

// ShellCacheName is the versioned name of the live shell cache.
func (c CacheSettings) ShellCacheName() string {
	return c.Prefix + c.Version
}

// DatastoreSettings locates the sqlite database.
type DatastoreSettings struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DeviceSettings describes the capabilities of the device running livreur.
type DeviceSettings struct {
	IDPrefix       string   `mapstructure:"id_prefix" yaml:"id_prefix"`
	AppVersion     string   `mapstructure:"app_version" yaml:"app_version"`
	GeoTimeout     Duration `mapstructure:"geo_timeout" yaml:"geo_timeout"`
	PositionSource string   `mapstructure:"position_source" yaml:"position_source"` // none or static
	Latitude       float64  `mapstructure:"latitude" yaml:"latitude"`
	Longitude      float64  `mapstructure:"longitude" yaml:"longitude"`
	Accuracy       float64  `mapstructure:"accuracy" yaml:"accuracy"`
	BatteryPath    string   `mapstructure:"battery_path" yaml:"battery_path"`
}

// ConnectivitySettings drives the online/offline probe.
type ConnectivitySettings struct {
	ProbeURL string   `mapstructure:"probe_url" yaml:"probe_url"`
	Interval Duration `mapstructure:"interval" yaml:"interval"`
	Timeout  Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PushSettings configures the MQTT push relay.
type PushSettings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker   string `mapstructure:"broker" yaml:"broker"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	QoS      byte   `mapstructure:"qos" yaml:"qos"`
	Token    string `mapstructure:"token" yaml:"token"`
	Platform string `mapstructure:"platform" yaml:"platform"` // empty: detected from the host
}

// ServerSettings configures the local shell server.
type ServerSettings struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// TelemetrySettings configures error reporting.
type TelemetrySettings struct {
	SentryDSN   string `mapstructure:"sentry_dsn" yaml:"sentry_dsn"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// LogSettings configures the root logger.
type LogSettings struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// DefaultAssets is the shell precached on install.
var DefaultAssets = []string{
	"/",
	"/index.html",
	"/styles.css",
	"/dist/app.js",
	"/dist/ui.js",
	"/dist/idb.js",
	"/dist/barcode.js",
	"/dist/signature.js",
	"/dist/geo.js",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8091")
	v.SetDefault("api.timeout", "15s")

	v.SetDefault("outbox.base_delay", "5s")
	v.SetDefault("outbox.max_delay", "5m")

	v.SetDefault("cache.version", "v1.0.0")
	v.SetDefault("cache.prefix", "livreur-shell-")
	v.SetDefault("cache.backend", "badger")
	v.SetDefault("cache.dir", "data/cache")
	v.SetDefault("cache.api_pattern", "/api/")
	v.SetDefault("cache.origin", "")
	v.SetDefault("cache.assets", DefaultAssets)
	v.SetDefault("cache.embedded_shell", true)

	v.SetDefault("datastore.path", "data/livreur.db")

	v.SetDefault("device.id_prefix", "ANDROID-")
	v.SetDefault("device.app_version", "1.0.0")
	v.SetDefault("device.geo_timeout", "5s")
	v.SetDefault("device.position_source", "none")
	v.SetDefault("device.battery_path", "/sys/class/power_supply")

	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.interval", "15s")
	v.SetDefault("connectivity.timeout", "5s")

	v.SetDefault("push.enabled", false)
	v.SetDefault("push.broker", "tcp://localhost:1883")
	v.SetDefault("push.topic", "livreur/push")
	v.SetDefault("push.client_id", "livreur")
	v.SetDefault("push.qos", 1)
	v.SetDefault("push.platform", "")

	v.SetDefault("server.listen", "127.0.0.1:8080")

	v.SetDefault("telemetry.environment", "production")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads settings from configFile, or from the first config.yaml found in
// the working directory or $HOME/.config/livreur when configFile is empty.
// A missing implicit config file is not an error: defaults and environment
// overrides still apply.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "livreur"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Newf("read config: %w", err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("config_file", configFile).
				Build()
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings, viper.DecodeHook(DurationDecodeHook())); err != nil {
		return nil, errors.Newf("decode config: %w", err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	settings.applyDerived()

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// applyDerived fills settings whose defaults depend on other settings.
func (s *Settings) applyDerived() {
	s.API.BaseURL = strings.TrimRight(strings.TrimSpace(s.API.BaseURL), "/")
	if s.Cache.Origin == "" {
		s.Cache.Origin = s.API.BaseURL
	}
	s.Cache.Origin = strings.TrimRight(s.Cache.Origin, "/")
	if s.Connectivity.ProbeURL == "" {
		s.Connectivity.ProbeURL = s.API.BaseURL
	}
}

// Validate checks settings for values the runtime cannot work with.
func (s *Settings) Validate() error {
	var errs []error
	invalid := func(key string, value any, msg string) {
		errs = append(errs, errors.Newf("%s: %s", key, msg).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("key", key).
			Context("value", value).
			Build())
	}

	if s.API.BaseURL == "" {
		invalid("api.base_url", s.API.BaseURL, "must not be empty")
	}
	if s.Outbox.BaseDelay <= 0 {
		invalid("outbox.base_delay", s.Outbox.BaseDelay, "must be positive")
	}
	if s.Outbox.MaxDelay < s.Outbox.BaseDelay {
		invalid("outbox.max_delay", s.Outbox.MaxDelay, "must be >= outbox.base_delay")
	}
	switch s.Cache.Backend {
	case "badger", "memory":
	default:
		invalid("cache.backend", s.Cache.Backend, "must be badger or memory")
	}
	if s.Cache.Version == "" || s.Cache.Prefix == "" {
		invalid("cache.version", s.Cache.Version, "version and prefix are required")
	}
	if s.Device.GeoTimeout <= 0 {
		invalid("device.geo_timeout", s.Device.GeoTimeout, "must be positive")
	}
	switch s.Device.PositionSource {
	case "none", "static":
	default:
		invalid("device.position_source", s.Device.PositionSource, "must be none or static")
	}
	if s.Connectivity.Interval.Std() < time.Second {
		invalid("connectivity.interval", s.Connectivity.Interval, "must be at least 1s")
	}
	if s.Push.QoS > 2 {
		invalid("push.qos", s.Push.QoS, "must be 0, 1 or 2")
	}
	return errors.Join(errs...)
}
