package cli

import (
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid config", j.C("ERR_5d2e8a0c7f3b9146"))

// Config is read from flags, AGENTRINK_* environment variables and an
// optional config file, in that order of precedence.
type Config struct {
	Endpoints []string `mapstructure:"endpoints"`
	Namespace string   `mapstructure:"namespace"`
	Member    string   `mapstructure:"member"`

	// Register makes tasks assignable, Pick contests them.
	Register []string `mapstructure:"register"`
	Pick     []string `mapstructure:"pick"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	SessionTTL          int           `mapstructure:"session_ttl"`
	BootstrapTimeout    time.Duration `mapstructure:"bootstrap_timeout"`
	ReclaimStagger      time.Duration `mapstructure:"reclaim_stagger"`
	ExpiryCheckInterval time.Duration `mapstructure:"expiry_check_interval"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Endpoints:        []string{"http://localhost:2379"},
		Namespace:        "agentrink",
		MetricsAddr:      ":9090",
		SessionTTL:       10,
		BootstrapTimeout: time.Minute,
		RetryDelay:       10 * time.Second,
	}
}

func addFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.StringSlice("endpoints", d.Endpoints, "etcd endpoints")
	fs.String("namespace", d.Namespace, "etcd key prefix shared by all clients")
	fs.String("member", "", "unique member name (default random)")
	fs.StringSlice("register", nil, "tasks to make assignable")
	fs.StringSlice("pick", nil, "tasks to contest")
	fs.String("metrics_addr", d.MetricsAddr, "address to serve prometheus metrics on, empty disables")
	fs.Int("session_ttl", d.SessionTTL, "etcd session ttl in seconds")
	fs.Duration("bootstrap_timeout", d.BootstrapTimeout, "max time to connect and resolve leadership")
	fs.Duration("reclaim_stagger", 0, "delay between members re-claiming a vacant task")
	fs.Duration("expiry_check_interval", 0, "how often to look for expired member keys, zero disables")
	fs.Duration("retry_delay", d.RetryDelay, "wait before starting a new session")
}

func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("AGENTRINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}
	return v, nil
}

// loadConfig reads the config file, if any, and resolves the config.
func loadConfig(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrap(err, "read config", j.KV("file", file))
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.Wrap(ErrInvalidConfig, "no endpoints")
	}
	if c.Namespace == "" {
		return errors.Wrap(ErrInvalidConfig, "empty namespace")
	}
	if c.SessionTTL <= 0 {
		return errors.Wrap(ErrInvalidConfig, "session ttl must be positive")
	}
	if strings.Contains(c.Member, "/") {
		return errors.Wrap(ErrInvalidConfig, "member name contains a slash")
	}
	return nil
}

// Tasks returns every task this client needs a runnable for.
func (c Config) Tasks() []string {
	seen := make(map[string]bool)
	var ret []string
	for _, task := range append(append([]string(nil), c.Register...), c.Pick...) {
		if seen[task] {
			continue
		}
		seen[task] = true
		ret = append(ret, task)
	}
	return ret
}
