package config

import "github.com/caarlos0/env/v11"

type BotConfig struct {
	RelayURL            string `env:"RELAY_URL" envDefault:"http://localhost:8080"`
	UserID              string `env:"USER_ID"`
	GameID              string `env:"GAME_ID" envDefault:"rps"`
	JoinCode            string `env:"JOIN_CODE"`
	Private             bool   `env:"PRIVATE_ROOM" envDefault:"false"`
	PollIntervalMS      int    `env:"POLL_INTERVAL_MS" envDefault:"1000"`
	HeartbeatIntervalMS int    `env:"HEARTBEAT_INTERVAL_MS" envDefault:"5000"`
	FailureThreshold    int    `env:"FAILURE_THRESHOLD" envDefault:"5"`
	RevealDelayMS       int    `env:"REVEAL_DELAY_MS" envDefault:"2000"`
	ThinkMS             int    `env:"THINK_MS" envDefault:"500"`
	RequestTimeoutMS    int    `env:"REQUEST_TIMEOUT_MS" envDefault:"5000"`
	ReplayIntervalMS    int    `env:"REPLAY_INTERVAL_MS" envDefault:"200"`
}

func LoadBot() (BotConfig, error) {
	var cfg BotConfig
	err := env.Parse(&cfg)
	return cfg, err
}
