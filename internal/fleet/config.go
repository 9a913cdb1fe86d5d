package fleet

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full ingestion configuration, loadable from file and
// environment (prefix KARANGUE_).
type Config struct {
	ServerURL string `mapstructure:"server_url" validate:"required,url"`
	Token     string `mapstructure:"token"`

	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectBase        time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax         time.Duration `mapstructure:"reconnect_max"`
	ReconnectGrowth      float64       `mapstructure:"reconnect_growth" validate:"omitempty,gte=1"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" validate:"omitempty,gte=1"`

	SpeedLimitKmh       float64       `mapstructure:"speed_limit_kmh" validate:"omitempty,gt=0"`
	RPMCeiling          float64       `mapstructure:"rpm_ceiling"`
	TemperatureCeilingC float64       `mapstructure:"temperature_ceiling_c"`
	BatteryFloorV       float64       `mapstructure:"battery_floor_v"`
	MinSatellites       int           `mapstructure:"min_satellites"`
	MovementSpeedKmh    float64       `mapstructure:"movement_speed_kmh"`
	FreshnessWindow     time.Duration `mapstructure:"freshness_window"`

	NATSURL     string `mapstructure:"nats_url"`
	MonitorAddr string `mapstructure:"monitor_addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "ws://localhost:8081/stream")
	v.SetDefault("token", "")
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("reconnect_base", time.Second)
	v.SetDefault("reconnect_max", 30*time.Second)
	v.SetDefault("reconnect_growth", 2.0)
	v.SetDefault("max_reconnect_attempts", 10)
	v.SetDefault("speed_limit_kmh", 100.0)
	v.SetDefault("rpm_ceiling", 4000.0)
	v.SetDefault("temperature_ceiling_c", 100.0)
	v.SetDefault("battery_floor_v", 11.5)
	v.SetDefault("min_satellites", 3)
	v.SetDefault("movement_speed_kmh", 5.0)
	v.SetDefault("freshness_window", 5*time.Minute)
	v.SetDefault("nats_url", "")
	v.SetDefault("monitor_addr", ":9311")
}

// LoadConfig reads defaults, then the optional config file, then the
// environment, and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("KARANGUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks structural constraints on a config.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
