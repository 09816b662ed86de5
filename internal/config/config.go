package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"
	"unicode"

	"github.com/ArkLabsHQ/swapd/pkg/swap"
	"github.com/btcsuite/btcd/chaincfg"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const envPrefix = "SWAPD"

// Variable names, without the SWAPD_ prefix.
const (
	Datadir               = "DATADIR"
	LogLevel              = "LOG_LEVEL"
	Network               = "NETWORK"
	BoltzURL              = "BOLTZ_URL"
	BoltzWSURL            = "BOLTZ_WS_URL"
	EsploraURL            = "ESPLORA_URL"
	ElectrumURL           = "ELECTRUM_URL"
	HTTPPort              = "HTTP_PORT"
	Mnemonic              = "MNEMONIC"
	SwapTimeout           = "SWAP_TIMEOUT"
	ConfirmationDepth     = "CONFIRMATION_DEPTH"
	CooperativeTimeout    = "COOPERATIVE_TIMEOUT"
	SchedulerPollInterval = "SCHEDULER_POLL_INTERVAL"
	LowballBroadcast      = "LOWBALL_BROADCAST"
	FeeRate               = "FEE_RATE"
	StallThreshold        = "STALL_THRESHOLD"
)

const (
	DefaultDatadir               = "swapd"
	DefaultLogLevel              = 4
	DefaultNetwork               = "mainnet"
	DefaultBoltzURL              = "https://api.boltz.exchange"
	DefaultHTTPPort              = 7002
	DefaultSwapTimeout           = 0
	DefaultConfirmationDepth     = 0
	DefaultCooperativeTimeout    = 30
	DefaultSchedulerPollInterval = 30
	DefaultLowballBroadcast      = false
	DefaultFeeRate               = 0
	DefaultStallThreshold        = 600
)

type Config struct {
	Datadir               string  `mapstructure:"DATADIR" envDefault:"swapd" envInfo:"Data directory for swap records and the seed"`
	LogLevel              uint32  `mapstructure:"LOG_LEVEL" envDefault:"4" envInfo:"Log verbosity (higher = more verbose)"`
	Network               string  `mapstructure:"NETWORK" envDefault:"mainnet" envInfo:"Bitcoin network: mainnet | testnet | regtest"`
	BoltzURL              string  `mapstructure:"BOLTZ_URL" envDefault:"https://api.boltz.exchange" envInfo:"Swap service HTTP endpoint"`
	BoltzWSURL            string  `mapstructure:"BOLTZ_WS_URL" envDefault:"" envInfo:"Swap service WebSocket endpoint, derived from BOLTZ_URL if empty"`
	EsploraURL            string  `mapstructure:"ESPLORA_URL" envDefault:"" envInfo:"Esplora base URL"`
	ElectrumURL           string  `mapstructure:"ELECTRUM_URL" envDefault:"" envInfo:"Electrum server (tcp://host:port or ssl://host:port), preferred over ESPLORA_URL"`
	HTTPPort              uint32  `mapstructure:"HTTP_PORT" envDefault:"7002" envInfo:"HTTP API port"`
	Mnemonic              string  `mapstructure:"MNEMONIC" envDefault:"" envInfo:"BIP39 mnemonic of the swap keys, generated on first start if empty"`
	SwapTimeout           uint32  `mapstructure:"SWAP_TIMEOUT" envDefault:"0" envInfo:"Seconds a swap driver may run, 0 means until final"`
	ConfirmationDepth     uint32  `mapstructure:"CONFIRMATION_DEPTH" envDefault:"0" envInfo:"Confirmations required before claiming a reverse lockup"`
	CooperativeTimeout    uint32  `mapstructure:"COOPERATIVE_TIMEOUT" envDefault:"30" envInfo:"Seconds to wait for a cooperative signature"`
	SchedulerPollInterval uint32  `mapstructure:"SCHEDULER_POLL_INTERVAL" envDefault:"30" envInfo:"Seconds between block height polls of the refund scheduler"`
	LowballBroadcast      bool    `mapstructure:"LOWBALL_BROADCAST" envDefault:"false" envInfo:"Relay reverse claims through the swap service first"`
	FeeRate               float64 `mapstructure:"FEE_RATE" envDefault:"0" envInfo:"Fee rate override in sat/vB, 0 means estimate"`
	StallThreshold        uint32  `mapstructure:"STALL_THRESHOLD" envDefault:"600" envInfo:"Seconds without progress before a swap driver is reported stalled, 0 disables"`

	network *chaincfg.Params
}

func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := setDefaultConfig(v); err != nil {
		return nil, fmt.Errorf("error setting default config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %v", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	if err := config.initDatadir(); err != nil {
		return nil, fmt.Errorf("error initializing data directory: %w", err)
	}

	return &config, nil
}

func (c *Config) Net() *chaincfg.Params {
	return c.network
}

func (c *Config) LogrusLevel() log.Level {
	level := log.Level(c.LogLevel)
	if level > log.TraceLevel {
		level = log.TraceLevel
	}
	return level
}

// SwapConfig is the protocol configuration handed to the swap handler.
func (c *Config) SwapConfig() swap.Config {
	return swap.Config{
		Network:            c.network,
		ConfirmationDepth:  c.ConfirmationDepth,
		CooperativeTimeout: time.Duration(c.CooperativeTimeout) * time.Second,
		SwapTimeout:        time.Duration(c.SwapTimeout) * time.Second,
		PollInterval:       c.PollInterval(),
		LowballBroadcast:   c.LowballBroadcast,
		FeeRate:            c.FeeRate,
	}
}

func (c *Config) StallThresholdDuration() time.Duration {
	return time.Duration(c.StallThreshold) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.SchedulerPollInterval) * time.Second
}

// WSURL returns BOLTZ_WS_URL, or BOLTZ_URL with a websocket scheme.
func (c *Config) WSURL() string {
	if c.BoltzWSURL != "" {
		return c.BoltzWSURL
	}
	switch {
	case strings.HasPrefix(c.BoltzURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.BoltzURL, "https://")
	case strings.HasPrefix(c.BoltzURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.BoltzURL, "http://")
	}
	return c.BoltzURL
}

func (c *Config) validate() error {
	network, err := ParseNetwork(c.Network)
	if err != nil {
		return err
	}
	c.network = network

	if c.BoltzURL == "" {
		return fmt.Errorf("missing %s_%s", envPrefix, BoltzURL)
	}
	if c.EsploraURL == "" && c.ElectrumURL == "" {
		return fmt.Errorf("one of %s_%s or %s_%s must be set", envPrefix, EsploraURL, envPrefix, ElectrumURL)
	}
	if c.CooperativeTimeout == 0 {
		return fmt.Errorf("%s_%s must be positive", envPrefix, CooperativeTimeout)
	}
	if c.SchedulerPollInterval == 0 {
		return fmt.Errorf("%s_%s must be positive", envPrefix, SchedulerPollInterval)
	}
	if c.FeeRate < 0 {
		return fmt.Errorf("%s_%s must not be negative", envPrefix, FeeRate)
	}
	return nil
}

func ParseNetwork(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

func (c *Config) initDatadir() error {
	if c.Datadir == DefaultDatadir {
		c.Datadir = appDatadir(DefaultDatadir, false)
	} else {
		c.Datadir = cleanAndExpandPath(c.Datadir)
	}
	return makeDirectoryIfNotExists(c.Datadir)
}

func setDefaultConfig(v *viper.Viper) error {
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		key := f.Tag.Get("mapstructure")
		def := f.Tag.Get("envDefault")
		if def != "" {
			v.SetDefault(key, def)
		}
		err := v.BindEnv(key)
		if err != nil {
			return fmt.Errorf("error binding env variable for key %s: %w", key, err)
		}
	}
	return nil
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

// appDatadir returns an operating system specific directory to be used for
// storing application data.
func appDatadir(appName string, roaming bool) string {
	if appName == "" || appName == "." {
		return "."
	}

	appName = strings.TrimPrefix(appName, ".")
	appNameUpper := string(unicode.ToUpper(rune(appName[0]))) + appName[1:]
	appNameLower := string(unicode.ToLower(rune(appName[0]))) + appName[1:]

	var homeDir string
	usr, err := user.Current()
	if err == nil {
		homeDir = usr.HomeDir
	}
	if err != nil || homeDir == "" {
		homeDir = os.Getenv("HOME")
	}

	switch runtime.GOOS {
	case "windows":
		// LOCALAPPDATA is missing before Vista.
		appData := os.Getenv("LOCALAPPDATA")
		if roaming || appData == "" {
			appData = os.Getenv("APPDATA")
		}
		if appData != "" {
			return filepath.Join(appData, appNameUpper)
		}

	case "darwin":
		if homeDir != "" {
			return filepath.Join(homeDir, "Library", "Application Support", appNameUpper)
		}

	case "plan9":
		if homeDir != "" {
			return filepath.Join(homeDir, appNameLower)
		}

	default:
		if homeDir != "" {
			return filepath.Join(homeDir, "."+appNameLower)
		}
	}

	return "."
}

func cleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: os.ExpandEnv doesn't handle Windows-style %VARIABLE%.
	return filepath.Clean(os.ExpandEnv(path))
}
