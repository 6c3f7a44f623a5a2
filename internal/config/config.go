package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode         string        `mapstructure:"mode"`
	RelayURL     string        `mapstructure:"relay_url"`
	RoomID       string        `mapstructure:"room_id"`
	DisplayName  string        `mapstructure:"display_name"`
	Role         string        `mapstructure:"role"`
	Interests    []string      `mapstructure:"interests"`
	ICEServers   []string      `mapstructure:"ice_servers"`
	CtrlPort     int           `mapstructure:"ctrl_port"`
	RecordingDir string        `mapstructure:"recording_dir"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	Secret       string        `mapstructure:"secret"`
	LogLevel     string        `mapstructure:"log_level"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("relay_url", "ws://localhost:5000/ws")
	v.SetDefault("room_id", "main")
	v.SetDefault("display_name", "guest")
	v.SetDefault("role", "participant")
	v.SetDefault("ctrl_port", 8080)
	v.SetDefault("recording_dir", ".")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Relay: %s | Room: %s\n", cfg.Mode, cfg.RelayURL, cfg.RoomID)
	return &cfg, nil
}
