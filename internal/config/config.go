package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env         string `yaml:"env" env:"ENV" env-default:"local"`
	StoragePath string `yaml:"storage_path" env:"STORAGE_PATH" env-default:"trust.db"`
	// PostgresDSN, when set, selects the postgres backend over sqlite.
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`

	HTTP        HTTPConfig       `yaml:"http"`
	Sessions    SessionConfig    `yaml:"sessions"`
	MagicLinks  MagicLinkConfig  `yaml:"magic_links"`
	PairingPins PairingPinConfig `yaml:"pairing_pins"`
	LoginPin    LoginPinConfig   `yaml:"login_pin"`
}

type HTTPConfig struct {
	Port    int           `yaml:"port" env-default:"8080"`
	Timeout time.Duration `yaml:"timeout" env-default:"5s"`
}

type SessionConfig struct {
	TTL time.Duration `yaml:"ttl" env-default:"720h"`
}

type MagicLinkConfig struct {
	StandardTTL time.Duration `yaml:"standard_ttl" env-default:"168h"`
	ExtendedTTL time.Duration `yaml:"extended_ttl" env-default:"168h"`
	OneTimeTTL  time.Duration `yaml:"one_time_ttl" env-default:"1h"`
	// SingleUseAll makes standard/extended links one-shot as well.
	// one_time links are always single-use.
	SingleUseAll bool `yaml:"single_use_all" env-default:"false"`
}

type PairingPinConfig struct {
	CodeWidth       int           `yaml:"code_width" env-default:"6"`
	DefaultDuration time.Duration `yaml:"default_duration" env-default:"10m"`
	MaxDuration     time.Duration `yaml:"max_duration" env-default:"1h"`
	SweepInterval   time.Duration `yaml:"sweep_interval" env-default:"5m"`
}

type LoginPinConfig struct {
	MinLen        int           `yaml:"min_len" env-default:"4"`
	MaxLen        int           `yaml:"max_len" env-default:"8"`
	MaxFailures   int           `yaml:"max_failures" env-default:"5"`
	LockoutWindow time.Duration `yaml:"lockout_window" env-default:"15m"`
}

// MustLoadByPath parses the config file at the given path or panics.
func MustLoadByPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty")
	}

	return MustLoadByPath(path)
}

// fetchConfigPath reads the config location from the -config flag or,
// failing that, the CONFIG_PATH environment variable.
func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
