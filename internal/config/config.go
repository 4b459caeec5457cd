// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// WorkerConfig holds process-level configuration for the trainer worker.
type WorkerConfig struct {
	Port            string
	MetricsPort     string
	APIKey          string
	ShutdownJobWait time.Duration // how long to wait for the active job on shutdown (0 to skip)
	InstanceID      string        // compute instance id passed to teardown
}

// LoadWorkerConfig loads worker configuration from environment variables.
func LoadWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Port:            GetEnv("PORT", "8080"),
		MetricsPort:     GetEnv("METRICS_PORT", "9090"),
		APIKey:          GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownJobWait: GetDurationEnv("SHUTDOWN_JOB_WAIT", 0),
		InstanceID:      GetEnv("INSTANCE_ID", GetEnv("RUNPOD_POD_ID", "")),
	}
}
