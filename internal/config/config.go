package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/fedmesh/internal/domain"
)

const envPrefix = "FEDMESH"

// Config is the relay configuration.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	LogLevel   string        `mapstructure:"log_level"`

	// JoinRateLimit caps join attempts per host within JoinRateInterval.
	// Zero disables the limit.
	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
}

func (c *Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// ClientConfig is the peer configuration.
type ClientConfig struct {
	RelayURL         string        `mapstructure:"relay_url"`
	SessionCode      string        `mapstructure:"session_code"`
	MaxUsers         int           `mapstructure:"max_users"`
	Rounds           int           `mapstructure:"rounds"`
	ComputeDelay     time.Duration `mapstructure:"compute_delay"`
	ICEServers       []string      `mapstructure:"ice_servers"`
	IncludeLoopback  bool          `mapstructure:"include_loopback"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	Seed             uint64        `mapstructure:"seed"`
	LogLevel         string        `mapstructure:"log_level"`
}

func (c *ClientConfig) Validate() error {
	switch {
	case c.RelayURL == "":
		return fmt.Errorf("relay_url is required")
	case c.SessionCode == "":
		return fmt.Errorf("session_code is required")
	case c.MaxUsers < 1 || c.MaxUsers > domain.MaxSessionSize:
		return fmt.Errorf("max_users must be in [1, %d], got %d", domain.MaxSessionSize, c.MaxUsers)
	case c.Rounds < 1:
		return fmt.Errorf("rounds must be positive, got %d", c.Rounds)
	}
	return nil
}

func newViper(name string) (*viper.Viper, string) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", name, env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, fileName
}

func readFile(v *viper.Viper, fileName string) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
		return
	}
	log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
}

// Load reads the relay configuration from config/config.<CONFIG_ENV>.yaml
// and FEDMESH_* environment variables.
func Load() (*Config, error) {
	v, fileName := newViper("config")

	v.SetDefault("mode", "release")
	v.SetDefault("host", "")
	v.SetDefault("port", 8765)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("log_level", "info")
	v.SetDefault("join_rate_limit", 0)
	v.SetDefault("join_rate_interval", "1m")

	readFile(v, fileName)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("relay config")
	return &cfg, nil
}

// ClientFlags declares the peer flags. Flags that are set win over the
// config file and the environment.
func ClientFlags(fs *pflag.FlagSet) {
	fs.String("relay-url", "ws://127.0.0.1:8765/ws/signal", "relay WebSocket URL")
	fs.StringP("session-code", "s", "", "session code shared by all peers")
	fs.IntP("max-users", "n", 2, "number of peers in the session")
	fs.IntP("rounds", "r", 5, "weight exchange rounds per peer pair")
	fs.Duration("compute-delay", time.Second, "simulated training time per round")
	fs.StringSlice("ice-servers", []string{"stun:stun.l.google.com:19302"}, "STUN/TURN server URLs")
	fs.Bool("include-loopback", false, "gather loopback ICE candidates")
	fs.Duration("handshake-timeout", 30*time.Second, "warn about links not open after this long; 0 disables")
	fs.Uint64("seed", 0, "trainer seed; 0 picks one from the clock")
	fs.String("log-level", "info", "log level")
}

// LoadClient reads config/client.<CONFIG_ENV>.yaml, FEDMESH_* environment
// variables and the flags declared by ClientFlags.
func LoadClient(fs *pflag.FlagSet) (*ClientConfig, error) {
	v, fileName := newViper("client")

	v.SetDefault("drain_timeout", "1s")
	v.SetDefault("write_wait", "10s")

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	readFile(v, fileName)

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
