package inference

import (
	"strings"
	"time"
	"trainer/internal/config"
)

// Config holds sample inference configuration.
type Config struct {
	Command   []string      // program and leading args; the config path is appended. Empty disables inference.
	WorkDir   string        // working directory of the program (default: inherited)
	Timeout   time.Duration // per prompt (default: 10m)
	WaitDelay time.Duration // grace for output after the program is killed (default: 10s)
}

// LoadConfigFromEnv loads inference configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Command:   strings.Fields(config.GetEnv("INFERENCE_COMMAND", "")),
		WorkDir:   config.GetEnv("INFERENCE_WORKDIR", ""),
		Timeout:   config.GetDurationEnv("INFERENCE_TIMEOUT", 10*time.Minute),
		WaitDelay: config.GetDurationEnv("INFERENCE_WAIT_DELAY", 10*time.Second),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = 10 * time.Second
	}
	return c
}
