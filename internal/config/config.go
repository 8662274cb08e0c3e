package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	RejoinReconnect = "reconnect"
	RejoinReject    = "reject"

	SideByConnection = "connection"
	SideByPiece      = "piece"
)

type AppConfig struct {
	WSAddr  string
	APIAddr string

	RedisURL    string
	DatabaseURL string
	GameTTL     time.Duration

	AllowSelfPlay    bool
	RejoinPolicy     string
	SideResolution   string
	ScoreAbandonment bool
	DrawOfferTTL     time.Duration
	LockTimeout      time.Duration

	WSMessagesPerSecond float64
	WSBurst             int
	WSPingInterval      time.Duration
	WSAllowedOrigins    []string

	MessagesDir string

	BoardSquareSize int
	BoardPiecesDir  string

	LogLevel     string
	LogFormat    string
	LogToConsole bool
	LogToFile    bool
	LogFile      string
	LogCaller    bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("WS_ADDR", ":8081")
	v.SetDefault("API_ADDR", ":8080")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("GAME_TTL", "24h")
	v.SetDefault("SELF_PLAY", false)
	v.SetDefault("REJOIN_POLICY", RejoinReconnect)
	v.SetDefault("SIDE_RESOLUTION", SideByConnection)
	v.SetDefault("SCORE_ABANDONMENT", false)
	v.SetDefault("DRAW_OFFER_TTL", "0s")
	v.SetDefault("LOCK_TIMEOUT", "5s")
	v.SetDefault("WS_MESSAGES_PER_SECOND", 5.0)
	v.SetDefault("WS_BURST", 10)
	v.SetDefault("WS_PING_INTERVAL", "30s")
	v.SetDefault("WS_ALLOWED_ORIGINS", "")
	v.SetDefault("MESSAGES_DIR", "")
	v.SetDefault("BOARD_SQUARE_SIZE", 64)
	v.SetDefault("BOARD_PIECES_DIR", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "legacy")
	v.SetDefault("LOG_TO_CONSOLE", true)
	v.SetDefault("LOG_TO_FILE", false)
	v.SetDefault("LOG_FILE", "logs/match.log")
	v.SetDefault("LOG_CALLER", false)
}

// Load reads defaults, an optional YAML file named by CONFIG_FILE, then the environment.
func Load() (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	if path := strings.TrimSpace(v.GetString("CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates an already-populated viper instance.
func FromViper(v *viper.Viper) (*AppConfig, error) {
	cfg := &AppConfig{
		WSAddr:              strings.TrimSpace(v.GetString("WS_ADDR")),
		APIAddr:             strings.TrimSpace(v.GetString("API_ADDR")),
		RedisURL:            strings.TrimSpace(v.GetString("REDIS_URL")),
		DatabaseURL:         strings.TrimSpace(v.GetString("DATABASE_URL")),
		GameTTL:             v.GetDuration("GAME_TTL"),
		AllowSelfPlay:       v.GetBool("SELF_PLAY"),
		RejoinPolicy:        strings.ToLower(strings.TrimSpace(v.GetString("REJOIN_POLICY"))),
		SideResolution:      strings.ToLower(strings.TrimSpace(v.GetString("SIDE_RESOLUTION"))),
		ScoreAbandonment:    v.GetBool("SCORE_ABANDONMENT"),
		DrawOfferTTL:        v.GetDuration("DRAW_OFFER_TTL"),
		LockTimeout:         v.GetDuration("LOCK_TIMEOUT"),
		WSMessagesPerSecond: v.GetFloat64("WS_MESSAGES_PER_SECOND"),
		WSBurst:             v.GetInt("WS_BURST"),
		WSPingInterval:      v.GetDuration("WS_PING_INTERVAL"),
		WSAllowedOrigins:    splitList(v.GetString("WS_ALLOWED_ORIGINS")),
		MessagesDir:         strings.TrimSpace(v.GetString("MESSAGES_DIR")),
		BoardSquareSize:     v.GetInt("BOARD_SQUARE_SIZE"),
		BoardPiecesDir:      strings.TrimSpace(v.GetString("BOARD_PIECES_DIR")),
		LogLevel:            v.GetString("LOG_LEVEL"),
		LogFormat:           v.GetString("LOG_FORMAT"),
		LogToConsole:        v.GetBool("LOG_TO_CONSOLE"),
		LogToFile:           v.GetBool("LOG_TO_FILE"),
		LogFile:             v.GetString("LOG_FILE"),
		LogCaller:           v.GetBool("LOG_CALLER"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) Validate() error {
	var errs []error
	if c.WSAddr == "" {
		errs = append(errs, errors.New("WS_ADDR is required"))
	}
	if c.APIAddr == "" {
		errs = append(errs, errors.New("API_ADDR is required"))
	}
	switch c.RejoinPolicy {
	case RejoinReconnect, RejoinReject:
	default:
		errs = append(errs, fmt.Errorf("REJOIN_POLICY %q: want %s or %s", c.RejoinPolicy, RejoinReconnect, RejoinReject))
	}
	switch c.SideResolution {
	case SideByConnection, SideByPiece:
	default:
		errs = append(errs, fmt.Errorf("SIDE_RESOLUTION %q: want %s or %s", c.SideResolution, SideByConnection, SideByPiece))
	}
	if c.GameTTL <= 0 {
		errs = append(errs, errors.New("GAME_TTL must be positive"))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("LOCK_TIMEOUT must be positive"))
	}
	if c.DrawOfferTTL < 0 {
		errs = append(errs, errors.New("DRAW_OFFER_TTL must not be negative"))
	}
	if c.WSMessagesPerSecond <= 0 {
		errs = append(errs, errors.New("WS_MESSAGES_PER_SECOND must be positive"))
	}
	if c.WSBurst <= 0 {
		errs = append(errs, errors.New("WS_BURST must be positive"))
	}
	if c.WSPingInterval <= 0 {
		errs = append(errs, errors.New("WS_PING_INTERVAL must be positive"))
	}
	if c.BoardSquareSize < 16 || c.BoardSquareSize > 256 {
		errs = append(errs, fmt.Errorf("BOARD_SQUARE_SIZE %d: want 16..256", c.BoardSquareSize))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
