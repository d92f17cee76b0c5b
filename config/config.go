package config

import (
	"flag"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"
	"github.com/torusresearch/bijson"
)

var (
	logLevelMap = map[string]logging.Level{
		// PanicLevel level, highest level of severity. Logs and then calls panic with the
		// message passed to Debug, Info, ...
		"panic": logging.PanicLevel,
		// FatalLevel level. Logs and then calls `logger.Exit(1)`. It will exit even if the
		// logging level is set to Panic.
		"fatal": logging.FatalLevel,
		// ErrorLevel level. Logs. Used for errors that should definitely be noted.
		"error": logging.ErrorLevel,
		// WarnLevel level. Non-critical entries that deserve eyes.
		"warn": logging.WarnLevel,
		// InfoLevel level. General operational entries about what's going on inside the
		// application.
		"info": logging.InfoLevel,
		// DebugLevel level. Usually only enabled when debugging. Very verbose logging.
		"debug": logging.DebugLevel,
		// TraceLevel level. Designates finer-grained informational events than the Debug.
		"trace": logging.TraceLevel,
	}
)

type Config struct {
	// hex encoded secp256k1 key, a fresh one is generated when empty
	NodeKey          string `json:"nodeKey" env:"NODE_KEY"`
	P2PListenAddress string `json:"p2plistenaddress" env:"P2P_LISTEN_ADDRESS"`
	// full multiaddresses, /ip4/<a.b.c.d>/tcp/<port>/ipfs/<peer>
	Peers                []string `json:"peers" env:"PEERS" envSeparator:","`
	MetricsListenAddress string   `json:"metricsListenAddress" env:"METRICS_LISTEN_ADDRESS"`
	LogLevel             string   `json:"loglevel" env:"LOG_LEVEL"`

	SendQueueSize       int  `json:"sendQueueSize" env:"SEND_QUEUE_SIZE"`
	DeliveryAttempts    int  `json:"deliveryAttempts" env:"DELIVERY_ATTEMPTS"`
	DeliveryDelayMS     int  `json:"deliveryDelayMS" env:"DELIVERY_DELAY_MS"`
	TeardownTimeoutMS   int  `json:"teardownTimeoutMS" env:"TEARDOWN_TIMEOUT_MS"`
	AllowEmptyBroadcast bool `json:"allowEmptyBroadcast" env:"ALLOW_EMPTY_BROADCAST"`
	DuplicateWindowMS   int  `json:"duplicateWindowMS" env:"DUPLICATE_WINDOW_MS"`
}

func DefaultConfigSettings() Config {
	return Config{
		P2PListenAddress:     "/ip4/0.0.0.0/tcp/1080",
		MetricsListenAddress: ":8080",
		LogLevel:             "info",
		SendQueueSize:        1024,
		DeliveryAttempts:     5,
		DeliveryDelayMS:      200,
		TeardownTimeoutMS:    5000,
		DuplicateWindowMS:    600000,
	}
}

func (c *Config) DeliveryDelay() time.Duration {
	return time.Duration(c.DeliveryDelayMS) * time.Millisecond
}

func (c *Config) TeardownTimeout() time.Duration {
	return time.Duration(c.TeardownTimeoutMS) * time.Millisecond
}

func (c *Config) DuplicateWindow() time.Duration {
	return time.Duration(c.DuplicateWindowMS) * time.Millisecond
}

func (c *Config) Level() logging.Level {
	return logLevelMap[strings.ToLower(c.LogLevel)]
}

// Validate checks what cannot be fixed by falling back to a default.
func (c *Config) Validate() error {
	if _, err := ma.NewMultiaddr(c.P2PListenAddress); err != nil {
		return errors.Wrapf(err, "bad p2p listen address %q", c.P2PListenAddress)
	}
	for _, p := range c.Peers {
		addr, err := ma.NewMultiaddr(p)
		if err != nil {
			return errors.Wrapf(err, "bad peer address %q", p)
		}
		if _, err := addr.ValueForProtocol(ma.P_IPFS); err != nil {
			return errors.Errorf("peer address %q has no peer id", p)
		}
	}
	if _, ok := logLevelMap[strings.ToLower(c.LogLevel)]; !ok {
		return errors.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.SendQueueSize <= 0 {
		return errors.New("sendQueueSize must be positive")
	}
	if c.DeliveryAttempts <= 0 {
		return errors.New("deliveryAttempts must be positive")
	}
	if c.DeliveryDelayMS < 0 || c.TeardownTimeoutMS <= 0 || c.DuplicateWindowMS <= 0 {
		return errors.New("durations must not be negative and timeouts must be positive")
	}
	return nil
}

type flagValues struct {
	nodeKey          *string
	p2pListenAddress *string
	peers            *string
	metricsAddress   *string
	logLevel         *string
	emptyBroadcast   *bool
	configPath       *string
}

func registerFlags(fs *flag.FlagSet) *flagValues {
	return &flagValues{
		nodeKey:          fs.String("nodeKey", "", "hex encoded secp256k1 node key"),
		p2pListenAddress: fs.String("p2pListenAddress", "", "libp2p listen multiaddress"),
		peers:            fs.String("peers", "", "comma separated full peer multiaddresses"),
		metricsAddress:   fs.String("metricsListenAddress", "", "address serving /metrics"),
		logLevel:         fs.String("logLevel", "", "panic, fatal, error, warn, info, debug or trace"),
		emptyBroadcast:   fs.Bool("allowEmptyBroadcast", false, "let broadcasts with no peers succeed"),
		configPath:       fs.String("configPath", "", "override configPath"),
	}
}

// mergeWithFlags explicitly merges flags for a given instance of Config
// NOTE: It will not override with defaults
func (c *Config) mergeWithFlags(fs *flag.FlagSet, f *flagValues) *Config {
	if isFlagPassed(fs, "nodeKey") {
		c.NodeKey = *f.nodeKey
	}
	if isFlagPassed(fs, "p2pListenAddress") {
		c.P2PListenAddress = *f.p2pListenAddress
	}
	if isFlagPassed(fs, "peers") {
		c.Peers = splitList(*f.peers)
	}
	if isFlagPassed(fs, "metricsListenAddress") {
		c.MetricsListenAddress = *f.metricsAddress
	}
	if isFlagPassed(fs, "logLevel") {
		c.LogLevel = *f.logLevel
	}
	if isFlagPassed(fs, "allowEmptyBroadcast") {
		c.AllowEmptyBroadcast = *f.emptyBroadcast
	}
	return c
}

func splitList(s string) []string {
	var res []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			res = append(res, part)
		}
	}
	return res
}

// Source: https://stackoverflow.com/a/54747682
func isFlagPassed(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func readAndMarshallJSONConfig(configPath string, c *Config) error {
	jsonConfig, err := os.Open(configPath)
	if err != nil {
		return err
	}

	defer jsonConfig.Close()

	b, err := ioutil.ReadAll(jsonConfig)
	if err != nil {
		return err
	}

	return bijson.Unmarshal(b, c)
}

// LoadConfig layers defaults, the JSON file at configPath, the environment
// and finally the command line in args. A missing file is only a warning.
func LoadConfig(configPath string, args []string) (*Config, error) {
	fs := flag.NewFlagSet("clusternode", flag.ContinueOnError)
	flags := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if isFlagPassed(fs, "configPath") {
		logging.WithField("configPath", *flags.configPath).Info("overriding configPath")
		configPath = *flags.configPath
	}

	conf := DefaultConfigSettings()
	if configPath != "" {
		if err := readAndMarshallJSONConfig(configPath, &conf); err != nil {
			logging.WithError(err).Warning("failed to read JSON config")
		}
	}

	if err := env.Parse(&conf); err != nil {
		return nil, errors.Wrap(err, "could not parse config from environment")
	}

	conf.mergeWithFlags(fs, flags)

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	logging.SetLevel(conf.Level())

	publicConf := conf
	if publicConf.NodeKey != "" {
		publicConf.NodeKey = "<redacted>"
	}
	bytConf, _ := bijson.Marshal(publicConf)
	logging.WithField("finalConfiguration", string(bytConf)).Info()

	return &conf, nil
}
