package config

import (
	"flag"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/bywatch/internal/domain"
)

// Environment variables carrying the API credentials. Credentials are never
// read from the yaml file so they cannot end up committed with it.
const (
	EnvAPIKey    = "BYBIT_API_KEY"
	EnvAPISecret = "BYBIT_API_SECRET"
)

const (
	DefaultUpdateInterval = 60 * time.Second
	DefaultListenAddr     = ":8080"
)

type Config struct {
	Credentials      domain.Credentials
	BaseURL          string
	UpdateInterval   time.Duration
	FailureThreshold int
	ListenAddr       string
}

// ConfigTmp is the yaml representation. The interval is plain seconds to
// match how operators think about polling budgets.
type ConfigTmp struct {
	BaseURL               string `yaml:"base_url,omitempty"`
	UpdateIntervalSeconds int    `yaml:"update_interval,omitempty"`
	FailureThreshold      int    `yaml:"failure_threshold,omitempty"`
	ListenAddr            string `yaml:"listen_addr,omitempty"`
}

// Get resolves the configuration from flags, the optional yaml file and the
// environment. Flags win over the file, the file wins over defaults.
func Get() (Config, error) {
	configPath := flag.String("config", "", "path to yaml config")
	interval := flag.Int("interval", 0, "update interval in seconds, overrides the config file")
	listen := flag.String("listen", "", "http listen address, overrides the config file")
	flag.Parse()

	cfg, err := Load(*configPath)
	if err != nil {
		return Config{}, err
	}
	if *interval > 0 {
		cfg.UpdateInterval = time.Duration(*interval) * time.Second
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	return cfg, nil
}

// Load reads the yaml file at path (optional, "" for defaults) and the
// credentials from the environment.
func Load(path string) (Config, error) {
	creds, err := domain.NewCredentials(os.Getenv(EnvAPIKey), os.Getenv(EnvAPISecret))
	if err != nil {
		return Config{}, errors.Wrapf(err, "set %s and %s", EnvAPIKey, EnvAPISecret)
	}

	cfg := Config{
		Credentials:    creds,
		UpdateInterval: DefaultUpdateInterval,
		ListenAddr:     DefaultListenAddr,
	}
	if path == "" {
		return cfg, nil
	}

	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config file")
	}
	var tmp ConfigTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, errors.Wrap(err, "parse yaml config")
	}

	if tmp.BaseURL != "" {
		cfg.BaseURL = tmp.BaseURL
	}
	if tmp.UpdateIntervalSeconds != 0 {
		cfg.UpdateInterval = time.Duration(tmp.UpdateIntervalSeconds) * time.Second
	}
	if tmp.FailureThreshold != 0 {
		cfg.FailureThreshold = tmp.FailureThreshold
	}
	if tmp.ListenAddr != "" {
		cfg.ListenAddr = tmp.ListenAddr
	}
	return cfg, nil
}
