package session

import (
	"time"

	"duelsync/internal/config"
)

type Config struct {
	UserID            string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	RevealDelay       time.Duration
	FailureThreshold  int
	RequestTimeout    time.Duration
	ChatPerSecond     float64
	ChatBurst         int
	// Seed feeds reducer Initial when this client starts a game.
	Seed func() int64
}

const (
	defaultPollInterval      = time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultRevealDelay       = 2 * time.Second
	defaultFailureThreshold  = 5
	defaultRequestTimeout    = 5 * time.Second
	defaultChatPerSecond     = 2
	defaultChatBurst         = 3
	actionPageSize           = 200
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.RevealDelay <= 0 {
		c.RevealDelay = defaultRevealDelay
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ChatPerSecond <= 0 {
		c.ChatPerSecond = defaultChatPerSecond
	}
	if c.ChatBurst <= 0 {
		c.ChatBurst = defaultChatBurst
	}
	if c.Seed == nil {
		c.Seed = func() int64 { return time.Now().UnixNano() }
	}
	return c
}

// ConfigFromBot maps the bot's env config onto client settings.
func ConfigFromBot(cfg config.BotConfig, userID string) Config {
	return Config{
		UserID:            userID,
		PollInterval:      time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond,
		RevealDelay:       time.Duration(cfg.RevealDelayMS) * time.Millisecond,
		FailureThreshold:  cfg.FailureThreshold,
		RequestTimeout:    time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
	}
}
