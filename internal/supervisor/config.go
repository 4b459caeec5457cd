package supervisor

import (
	"strings"
	"time"
	"trainer/internal/config"
)

// Config holds supervisor configuration.
type Config struct {
	Command           []string      // program and leading args; the config path is appended (default: python3 -u run.py)
	WorkDir           string        // working directory of the program (default: inherited)
	LogDir            string        // where <job_id>.log is written (default: /var/log/trainer)
	ProgressStep      int           // percentage points between progress notifications (default: 5)
	StderrTailLines   int           // stderr lines kept for the failure message (default: 50)
	UploadWaitTimeout time.Duration // bound on waiting for checkpoint uploads before the final notification (default: 2m)
	WaitDelay         time.Duration // grace for output pipes after the process exits or is killed (default: 10s)
}

// LoadConfigFromEnv loads supervisor configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Command:           strings.Fields(config.GetEnv("TRAINER_COMMAND", "python3 -u run.py")),
		WorkDir:           config.GetEnv("TRAINER_WORKDIR", ""),
		LogDir:            config.GetEnv("LOG_DIR", "/var/log/trainer"),
		ProgressStep:      config.GetIntEnv("PROGRESS_STEP", 5),
		StderrTailLines:   config.GetIntEnv("STDERR_TAIL_LINES", 50),
		UploadWaitTimeout: config.GetDurationEnv("UPLOAD_WAIT_TIMEOUT", 2*time.Minute),
		WaitDelay:         config.GetDurationEnv("TRAINER_WAIT_DELAY", 10*time.Second),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if len(c.Command) == 0 {
		c.Command = []string{"python3", "-u", "run.py"}
	}
	if c.LogDir == "" {
		c.LogDir = "/var/log/trainer"
	}
	if c.ProgressStep <= 0 {
		c.ProgressStep = 5
	}
	if c.StderrTailLines <= 0 {
		c.StderrTailLines = 50
	}
	if c.UploadWaitTimeout <= 0 {
		c.UploadWaitTimeout = 2 * time.Minute
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = 10 * time.Second
	}
	return c
}
