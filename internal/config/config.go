// Package config loads the orchestrator's environment-variable
// configuration via viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved set of environment-variable settings the
// orchestrator accepts.
type Config struct {
	APIHost string
	APIPort int

	DatabaseHost string
	DatabasePort int
	DatabaseName string

	// JobBrokerURL is accepted for interface parity but never dialed: the
	// Reconciler runs on an internal ticker and the Dispatcher is an
	// in-process worker pool, not a broker client.
	JobBrokerURL string

	KubernetesAPIURL    string
	KubernetesAPIKey    string
	KubernetesNamespace string

	LogLevel string

	GCBucketName          string
	GCCredentialsFilePath string

	JobSynchronizationInterval time.Duration
}

// Load reads configuration from the environment (and any already-set viper
// defaults/flags) and returns a resolved Config.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.AutomaticEnv()

	v.SetDefault("API_HOST", "0.0.0.0")
	v.SetDefault("API_PORT", 4898)
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 27017)
	v.SetDefault("DATABASE_NAME", "task_runner")
	v.SetDefault("JOB_BROKER_URL", "")
	v.SetDefault("KUBERNETES_API_URL", "")
	v.SetDefault("KUBERNETES_API_KEY", "")
	v.SetDefault("KUBERNETES_NAMESPACE", "default")
	v.SetDefault("LOG_LEVEL", "WARNING")
	v.SetDefault("GC_BUCKET_NAME", "")
	v.SetDefault("GC_CREDENTIALS_FILE_PATH", "")
	v.SetDefault("JOB_SYNCHRONIZATION_INTERVAL", "30s")

	interval, err := time.ParseDuration(normalizeDuration(v.GetString("JOB_SYNCHRONIZATION_INTERVAL")))
	if err != nil {
		return Config{}, fmt.Errorf("invalid JOB_SYNCHRONIZATION_INTERVAL: %w", err)
	}

	return Config{
		APIHost:                    v.GetString("API_HOST"),
		APIPort:                    v.GetInt("API_PORT"),
		DatabaseHost:               v.GetString("DATABASE_HOST"),
		DatabasePort:               v.GetInt("DATABASE_PORT"),
		DatabaseName:               v.GetString("DATABASE_NAME"),
		JobBrokerURL:               v.GetString("JOB_BROKER_URL"),
		KubernetesAPIURL:           v.GetString("KUBERNETES_API_URL"),
		KubernetesAPIKey:           v.GetString("KUBERNETES_API_KEY"),
		KubernetesNamespace:        v.GetString("KUBERNETES_NAMESPACE"),
		LogLevel:                   v.GetString("LOG_LEVEL"),
		GCBucketName:               v.GetString("GC_BUCKET_NAME"),
		GCCredentialsFilePath:      v.GetString("GC_CREDENTIALS_FILE_PATH"),
		JobSynchronizationInterval: interval,
	}, nil
}

// normalizeDuration accepts a bare integer (seconds) alongside Go duration
// syntax like "30s".
func normalizeDuration(raw string) string {
	for _, r := range raw {
		if r < '0' || r > '9' {
			return raw
		}
	}
	if raw == "" {
		return raw
	}
	return raw + "s"
}

// MongoURL builds the mgo-compatible connection string from the resolved
// database settings.
func (c Config) MongoURL() string {
	return fmt.Sprintf("%s:%d/%s", c.DatabaseHost, c.DatabasePort, c.DatabaseName)
}
