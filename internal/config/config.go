package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Index struct {
		Path         string `mapstructure:"path"`
		ChunkSize    int    `mapstructure:"chunk_size"`
		ChunkOverlap int    `mapstructure:"chunk_overlap"`
	} `mapstructure:"index"`
	Model struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"model"`
	Chat struct {
		// UnknownConversation is "create" or "not_found".
		UnknownConversation string `mapstructure:"unknown_conversation"`
	} `mapstructure:"chat"`
	Log struct {
		Development bool `mapstructure:"development"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("database.path", "flux_talk.sqlite3")
	v.SetDefault("index.path", "chroma/index.sqlite3")
	v.SetDefault("index.chunk_size", 512)
	v.SetDefault("index.chunk_overlap", 64)
	v.SetDefault("model.timeout", 10*time.Second)
	v.SetDefault("chat.unknown_conversation", "create")
	v.SetDefault("log.development", false)
}

// Load reads config.yaml from the given directories (./config and . when
// none are given), then applies FLUXTALK_* environment overrides such as
// FLUXTALK_SERVER_ADDR. A missing file is not an error; found reports
// whether one was read.
func Load(paths ...string) (cfg *Config, found bool, err error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("FLUXTALK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	found = true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, false, fmt.Errorf("failed to read config: %w", err)
		}
		found = false
	}

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, found, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, found, nil
}
