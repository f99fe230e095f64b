package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Primary holds configuration for the coordination server.
type Primary struct {
	Mode          string        `mapstructure:"mode"`
	Port          int           `mapstructure:"port"`
	Secret        string        `mapstructure:"secret"`
	FlyToken      string        `mapstructure:"fly_token"`
	FlyApp        string        `mapstructure:"fly_app"`
	FlyImage      string        `mapstructure:"fly_image"`
	PrimaryWSURL  string        `mapstructure:"primary_ws_url"`
	GeoTTL        time.Duration `mapstructure:"geo_ttl"`
	IdleGrace     time.Duration `mapstructure:"idle_grace"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// Shard holds configuration for a shard process.
type Shard struct {
	Name       string `mapstructure:"name"`
	Port       int    `mapstructure:"port"`
	PrimaryURL string `mapstructure:"primary_url"`
	PublicURL  string `mapstructure:"public_url"`
}

func newViper(file string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(file)
	v.AddConfigPath(".")
	v.SetEnvPrefix("pasture")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadPrimary reads config/primary.yaml when present; every key can also be
// supplied as PASTURE_* in the environment, which is how provisioning
// credentials are expected to arrive.
func LoadPrimary() (*Primary, error) {
	v := newViper("config/primary.yaml")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "pasture-dev")
	v.SetDefault("fly_token", "")
	v.SetDefault("fly_app", "pasture-shards")
	v.SetDefault("fly_image", "registry.fly.io/pasture-shard:latest")
	v.SetDefault("primary_ws_url", "ws://localhost:8080/control")
	v.SetDefault("geo_ttl", "168h")
	v.SetDefault("idle_grace", "5m")
	v.SetDefault("launch_timeout", "90s")
	v.SetDefault("probe_timeout", "5s")

	if err := v.ReadInConfig(); err != nil {
		log.Debug().Str("module", "config").Msg("no primary config file, using env and defaults")
	}

	var cfg Primary
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse primary config: %w", err)
	}
	return &cfg, nil
}

func LoadShard() (*Shard, error) {
	v := newViper("config/shard.yaml")

	v.SetDefault("name", "")
	v.SetDefault("port", 8081)
	v.SetDefault("primary_url", "ws://localhost:8080/control")
	v.SetDefault("public_url", "")

	if err := v.ReadInConfig(); err != nil {
		log.Debug().Str("module", "config").Msg("no shard config file, using env and defaults")
	}

	var cfg Shard
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shard config: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("shard port %d out of range", cfg.Port)
	}
	return &cfg, nil
}
