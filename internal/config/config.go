// Package config loads the application configuration from a yaml file and
// the environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
		TLS  struct {
			Enable    bool     `mapstructure:"enable"`
			CertFile  string   `mapstructure:"cert_file"`
			KeyFile   string   `mapstructure:"key_file"`
			Hostnames []string `mapstructure:"hostnames"`
		} `mapstructure:"tls"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Engine struct {
		// APIURL is the engine's HTTP base URL, e.g. http://localhost:8188.
		APIURL string `mapstructure:"api_url"`
		// WSURL is the engine's websocket base URL, e.g. ws://localhost:8188.
		WSURL          string        `mapstructure:"ws_url"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		// MonitorEnabled spawns a websocket completion watch per dispatch,
		// in addition to the HTTP callback path.
		MonitorEnabled bool          `mapstructure:"monitor_enabled"`
		MonitorTimeout time.Duration `mapstructure:"monitor_timeout"`
		// LegacySubstitution keeps the historical textual placeholder
		// replacement. Disable to substitute only at string-leaf positions
		// of the job graph.
		LegacySubstitution bool `mapstructure:"legacy_substitution"`
	} `mapstructure:"engine"`
	Auth struct {
		Issuer       string `mapstructure:"issuer"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
		// DevBypass disables token verification and acts as a local admin.
		// Never enable outside development.
		DevBypass bool `mapstructure:"dev_bypass"`
	} `mapstructure:"auth"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// LoadConfig loads the configuration from a file and the environment.
// Environment variables use the ATELIER_ prefix with underscores, e.g.
// ATELIER_DB_HOST overrides db.host.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("ATELIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults plus environment carry a dev setup.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Auth.Issuer = normalizeIssuer(config.Auth.Issuer)

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":9001")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.name", "atelier")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("engine.api_url", "http://localhost:8188")
	v.SetDefault("engine.ws_url", "ws://localhost:8188")
	v.SetDefault("engine.request_timeout", 30*time.Second)
	v.SetDefault("engine.monitor_timeout", 300*time.Second)
	v.SetDefault("engine.legacy_substitution", true)
	v.SetDefault("log.level", "info")
}

// normalizeIssuer trims whitespace and any trailing slash so users can
// paste the issuer URL straight from their identity provider's console.
func normalizeIssuer(input string) string {
	iss := strings.TrimSpace(input)
	return strings.TrimRight(iss, "/")
}
