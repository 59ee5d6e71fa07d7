package mesh

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"overlay-go/pkg/appdir"
	"overlay-go/pkg/management"
	"overlay-go/pkg/p2p"
	"overlay-go/pkg/router"

	"github.com/spf13/viper"
)

type Config struct {
	DeviceKeyFile        string        `mapstructure:"device_key_file"`
	TeardownTimeout      time.Duration `mapstructure:"teardown_timeout"`
	KeepaliveInterval    time.Duration `mapstructure:"keepalive_interval"`
	EvictAfter           time.Duration `mapstructure:"evict_after"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	APIListenAddr        string        `mapstructure:"api_listen_address"`
	RelayAddress         string        `mapstructure:"relay_address"`
	InsecureDirectPolicy string        `mapstructure:"insecure_direct_policy"`
	InterfaceName        string        `mapstructure:"interface_name"`
	PortMapping          bool          `mapstructure:"port_mapping"`
	ListenPort           int           `mapstructure:"listen_port"`
	AddressHintsFile     string        `mapstructure:"address_hints_file"`
	HintsMaxAge          time.Duration `mapstructure:"hints_max_age"`
	LogDB                string        `mapstructure:"log_db"`
	LogLevel             string        `mapstructure:"log_level"`
	ManagementSocket     string        `mapstructure:"management_socket"`
	ManagementPassword   string        `mapstructure:"management_password"`
	ConfigFile           string        `mapstructure:"config_file"`
}

func DefaultConfig() *Config {
	return &Config{
		DeviceKeyFile:        appdir.Path("device.key"),
		TeardownTimeout:      p2p.TeardownTimeout,
		KeepaliveInterval:    p2p.KeepaliveInterval,
		EvictAfter:           10 * time.Minute,
		SweepInterval:        30 * time.Second,
		APIListenAddr:        "127.0.0.1:7780",
		InsecureDirectPolicy: router.InsecureRelay.String(),
		ListenPort:           5582,
		AddressHintsFile:     appdir.Path("hints.json.zst"),
		HintsMaxAge:          7 * 24 * time.Hour,
		LogDB:                "overlayd.db",
		LogLevel:             "info",
		ManagementSocket:     management.DefaultSocketPath("overlayd"),
		ConfigFile:           "overlayd",
	}
}

// setDefaults registers every key so that AutomaticEnv can override values
// that appear in no config file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("device_key_file", cfg.DeviceKeyFile)
	v.SetDefault("teardown_timeout", cfg.TeardownTimeout)
	v.SetDefault("keepalive_interval", cfg.KeepaliveInterval)
	v.SetDefault("evict_after", cfg.EvictAfter)
	v.SetDefault("sweep_interval", cfg.SweepInterval)
	v.SetDefault("api_listen_address", cfg.APIListenAddr)
	v.SetDefault("relay_address", cfg.RelayAddress)
	v.SetDefault("insecure_direct_policy", cfg.InsecureDirectPolicy)
	v.SetDefault("interface_name", cfg.InterfaceName)
	v.SetDefault("port_mapping", cfg.PortMapping)
	v.SetDefault("listen_port", cfg.ListenPort)
	v.SetDefault("address_hints_file", cfg.AddressHintsFile)
	v.SetDefault("hints_max_age", cfg.HintsMaxAge)
	v.SetDefault("log_db", cfg.LogDB)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("management_socket", cfg.ManagementSocket)
	v.SetDefault("management_password", cfg.ManagementPassword)
	v.SetDefault("config_file", cfg.ConfigFile)
}

// LoadConfig reads configuration from, in increasing precedence: defaults,
// the config file, OVERLAY_* environment variables, then overrides (usually
// command line flags keyed by their config name). An explicit configFile that
// does not exist is an error; the default one is optional.
func LoadConfig(configFile string, overrides map[string]any) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()
	setDefaults(v, cfg)

	v.SetEnvPrefix("OVERLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(cfg.ConfigFile)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/overlay-go/")
		v.AddConfigPath("$HOME/.overlay-go")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("mesh: read config: %w", err)
		}
	}

	for k, val := range overrides {
		v.Set(k, val)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("mesh: decode config: %w", err)
	}
	if used := v.ConfigFileUsed(); used != "" {
		cfg.ConfigFile = used
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the timing relations the housekeeping routines depend on.
func (c *Config) Validate() error {
	var errs []error
	if c.DeviceKeyFile == "" {
		errs = append(errs, errors.New("device_key_file is required"))
	}
	if c.KeepaliveInterval <= 0 || c.TeardownTimeout <= 0 || c.SweepInterval <= 0 {
		errs = append(errs, errors.New("keepalive_interval, teardown_timeout and sweep_interval must be positive"))
	} else if c.TeardownTimeout < p2p.MinTeardownMultiple*c.KeepaliveInterval {
		errs = append(errs, fmt.Errorf("teardown_timeout %s must be at least %d x keepalive_interval %s",
			c.TeardownTimeout, p2p.MinTeardownMultiple, c.KeepaliveInterval))
	}
	if c.EvictAfter < c.TeardownTimeout {
		errs = append(errs, fmt.Errorf("evict_after %s must not be shorter than teardown_timeout %s", c.EvictAfter, c.TeardownTimeout))
	}
	if _, err := router.ParseInsecureDirect(c.InsecureDirectPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen_port %d out of range", c.ListenPort))
	}
	if c.PortMapping && c.ListenPort == 0 {
		errs = append(errs, errors.New("port_mapping needs a fixed listen_port"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) insecurePolicy() router.InsecureDirect {
	p, _ := router.ParseInsecureDirect(c.InsecureDirectPolicy)
	return p
}
