package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the daemon
type Config struct {
	Administrator AdministratorConfig `mapstructure:"administrator"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Server        ServerConfig        `mapstructure:"server"`
}

// AdministratorConfig describes the bootstrap administrator account.
// Password is stored pre-hashed (SHA-512 hex over password||salt); Salt is
// the process-wide salt applied to every password hash.
type AdministratorConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Salt     string `mapstructure:"salt"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Hostname string `mapstructure:"hostname"`
	Password string `mapstructure:"password"`
	Path     string `mapstructure:"path"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// ServerConfig holds the control-surface configuration
type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Port        int    `mapstructure:"port"`
	TokenHeader string `mapstructure:"token_header"`
	Socket      string `mapstructure:"socket"`
	Environment string `mapstructure:"environment"`
	CgroupRoot  string `mapstructure:"cgroup_root"`
}

// DSN returns the connection string for the configured driver.
func (c *DatabaseConfig) DSN() (string, error) {
	switch c.Driver {
	case "postgres", "":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Hostname, c.Port, c.Username, c.Password, c.Path, c.SSLMode,
		), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Administrator.Username == "" {
		return errors.New("administrator.username is required")
	}
	if c.Administrator.Password == "" {
		return errors.New("administrator.password is required")
	}
	if _, err := c.Database.DSN(); err != nil {
		return err
	}
	return nil
}

// Load loads configuration from the INI config file and environment.
// The file is searched in the user config directory and /etc/taskqd;
// environment variables use the TASKQD_ prefix (TASKQD_DATABASE_HOSTNAME).
func Load(serviceName string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKQD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(serviceName)
	v.SetConfigType("ini")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "taskqd"))
	}
	v.AddConfigPath("/etc/taskqd")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithValidation loads configuration and fails fast on missing
// required values. Use this in main().
func LoadWithValidation(serviceName string) (*Config, error) {
	cfg, err := Load(serviceName)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("administrator.username", "administrator")
	v.SetDefault("administrator.password", "")
	v.SetDefault("administrator.salt", "")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.hostname", "localhost")
	v.SetDefault("database.password", "")
	v.SetDefault("database.path", "taskqd")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.username", "taskqd")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("server.address", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.token_header", "X-Auth-Token")
	v.SetDefault("server.socket", "/run/taskqd.sock")
	v.SetDefault("server.environment", "production")
	v.SetDefault("server.cgroup_root", "/sys/fs/cgroup")
}
