package server

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	RedisURL       string
	AllowedOrigins []string

	TurnTimeout    time.Duration
	ReconnectGrace time.Duration
	QueueEntryTTL  time.Duration

	RateLimitWindow time.Duration
	RateLimitMax    int
	MaxMessageBytes int64
}

// NewConfig reads configs/server/config.yaml when present; every key has a
// default so the binary and the tests run without one. OS environment
// variables (SERVER_PORT, SERVER_REDISURL, ...) override both.
func NewConfig() Config {
	v := viper.New()

	v.SetDefault("Server.Port", "8080")
	v.SetDefault("Server.RedisURL", "redis://localhost:6379/0")
	v.SetDefault("Server.AllowedOrigins", []string{
		"http://localhost:3000",
		"http://localhost:5173",
		"*.vercel.app",
	})
	v.SetDefault("Server.TurnTimeout", "30s")
	v.SetDefault("Server.ReconnectGrace", "30s")
	v.SetDefault("Server.QueueEntryTTL", "60s")
	v.SetDefault("Server.RateLimitWindow", "1s")
	v.SetDefault("Server.RateLimitMax", 10)
	v.SetDefault("Server.MaxMessageBytes", 1024)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs/server")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // defaults carry a missing file

	v.SetEnvPrefix("server")
	v.AutomaticEnv()

	return Config{
		Port:            v.GetString("Server.Port"),
		RedisURL:        v.GetString("Server.RedisURL"),
		AllowedOrigins:  v.GetStringSlice("Server.AllowedOrigins"),
		TurnTimeout:     v.GetDuration("Server.TurnTimeout"),
		ReconnectGrace:  v.GetDuration("Server.ReconnectGrace"),
		QueueEntryTTL:   v.GetDuration("Server.QueueEntryTTL"),
		RateLimitWindow: v.GetDuration("Server.RateLimitWindow"),
		RateLimitMax:    v.GetInt("Server.RateLimitMax"),
		MaxMessageBytes: v.GetInt64("Server.MaxMessageBytes"),
	}
}
