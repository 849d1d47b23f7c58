package chord

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config carries everything a peer needs to run. Durations load from
// config files as milliseconds.
type Config struct {
	Addr string
	Port int

	// SuccessorListSize bounds the successor list and sets the notify
	// fan-out on join. Defaults to the reconstruction threshold.
	SuccessorListSize int

	// Timeout bounds every remote request. Must be long enough for
	// one-hop forwarding.
	Timeout time.Duration

	// GracePeriod delays the first maintenance round after startup.
	GracePeriod time.Duration

	// MaintenanceInterval is the pause between maintenance rounds.
	MaintenanceInterval time.Duration

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

func DefaultConfig(addr string, port int) *Config {
	return &Config{
		Addr:                addr,
		Port:                port,
		SuccessorListSize:   ReconstructThreshold,
		Timeout:             2000 * time.Millisecond,
		GracePeriod:         5 * time.Second,
		MaintenanceInterval: 2 * time.Second,
		LogLevel:            "info",
		LogMaxSizeMB:        100,
		LogMaxBackups:       3,
		LogMaxAgeDays:       28,
	}
}

/* Function:	LoadConfig
 *
 * Description:
 *		Load a peer config through viper. With an empty path, a file
 *		named dhash.yaml is searched for in the working directory and
 *		under $HOME/.dhash; a missing file falls back to defaults.
 */
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("addr", "127.0.0.1")
	v.SetDefault("port", 8030)
	v.SetDefault("successor_list_size", ReconstructThreshold)
	v.SetDefault("timeout_ms", 2000)
	v.SetDefault("grace_period_ms", 5000)
	v.SetDefault("maintenance_interval_ms", 2000)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 100)
	v.SetDefault("log_max_backups", 3)
	v.SetDefault("log_max_age_days", 28)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dhash")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.dhash")
	}

	if err := v.ReadInConfig(); err != nil {
		// Only an explicitly named file is required to exist.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return &Config{
		Addr:                v.GetString("addr"),
		Port:                v.GetInt("port"),
		SuccessorListSize:   v.GetInt("successor_list_size"),
		Timeout:             time.Duration(v.GetInt("timeout_ms")) * time.Millisecond,
		GracePeriod:         time.Duration(v.GetInt("grace_period_ms")) * time.Millisecond,
		MaintenanceInterval: time.Duration(v.GetInt("maintenance_interval_ms")) * time.Millisecond,
		LogLevel:            v.GetString("log_level"),
		LogFile:             v.GetString("log_file"),
		LogMaxSizeMB:        v.GetInt("log_max_size_mb"),
		LogMaxBackups:       v.GetInt("log_max_backups"),
		LogMaxAgeDays:       v.GetInt("log_max_age_days"),
	}, nil
}
