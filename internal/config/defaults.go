package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:        "info",
			DefaultProvider: "ollama",
		},
		Whitelist: WhitelistConfig{
			Path: "~/.fsbot/whitelist.yaml",
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				Type:         "ollama",
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Agent: AgentConfig{
			MaxIterations: 10,
			MaxFileChars:  10000,
		},
		Gateway: GatewayConfig{
			Telegram: TelegramConfig{
				Enabled: false,
			},
			Pairing: PairingConfig{
				Required: true,
				TTLDays:  30,
			},
		},
		Store: StoreConfig{
			DBPath:   "~/.fsbot/fsbot.db",
			AuditLog: true,
		},
	}
}
