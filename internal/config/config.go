package config

import "github.com/caarlos0/env/v11"

// Config is the full runtime configuration, loaded from the environment.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":4000"`
	TurnSeconds int    `env:"TURN_SECONDS" envDefault:"90"`

	PromptsDir  string `env:"PROMPTS_DIR" envDefault:"prompts"`
	ResultsDir  string `env:"RESULTS_DIR" envDefault:"public/results"`
	RendererURL string `env:"RENDERER_URL" envDefault:"http://localhost:4100"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

func Load() (Config, error) {
	var cfg Config
	err := env.Parse(&cfg)
	return cfg, err
}
