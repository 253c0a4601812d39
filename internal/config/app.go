package config

type AppConfig struct {
	Server  ServerConfig
	Sweeper SweeperConfig
	Log     LogConfig
}

func LoadApp() (AppConfig, error) {
	logCfg, err := LoadLog()
	if err != nil {
		return AppConfig{}, err
	}
	serverCfg, err := LoadServer()
	if err != nil {
		return AppConfig{}, err
	}
	sweeperCfg, err := LoadSweeper()
	if err != nil {
		return AppConfig{}, err
	}
	return AppConfig{
		Server:  serverCfg,
		Sweeper: sweeperCfg,
		Log:     logCfg,
	}, nil
}
