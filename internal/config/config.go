package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envVarConfigFile        = "PERCHCAM_SIGNALING_CONFIG"
	envVarListenAddr        = "PERCHCAM_SIGNALING_LISTEN_ADDR"
	envVarLogFormat         = "PERCHCAM_SIGNALING_LOG_FORMAT"
	envVarLogLevel          = "PERCHCAM_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout   = "PERCHCAM_SIGNALING_SHUTDOWN_TIMEOUT"
	envVarMode              = "PERCHCAM_SIGNALING_MODE"
	envVarStoreBackend      = "STORE_BACKEND"
	envVarDynamoTable       = "DYNAMO_TABLE"
	envVarDynamoRegion      = "DYNAMO_REGION"
	envVarDynamoEndpoint    = "DYNAMO_ENDPOINT"
	envVarSessionTTL        = "SESSION_TTL"
	envVarReapInterval      = "REAP_INTERVAL"
	envVarHeartbeatInterval = "HEARTBEAT_INTERVAL"
	envVarPollRatePerSecond = "MAX_POLLS_PER_SECOND"
	envVarPollBurst         = "POLL_BURST"
	envVarAuthMode          = "AUTH_MODE"
	envVarAPIKey            = "API_KEY"
	envVarJWTSecret         = "JWT_SECRET"
	envVarReadTimeout       = "HTTP_READ_TIMEOUT"
	envVarWriteTimeout      = "HTTP_WRITE_TIMEOUT"
)

const (
	DefaultListenAddr        = "127.0.0.1:8080"
	DefaultShutdown          = 15 * time.Second
	DefaultSessionTTL        = 30 * time.Minute
	DefaultReapInterval      = 5 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPollRatePerSecond = 10
	DefaultPollBurst         = 20
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 30 * time.Second

	DefaultMode         Mode         = ModeDev
	DefaultStoreBackend StoreBackend = StoreBackendMemory
	DefaultAuthMode     AuthMode     = AuthModeNone
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type StoreBackend string

const (
	StoreBackendMemory   StoreBackend = "memory"
	StoreBackendDynamoDB StoreBackend = "dynamodb"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       string
	LogLevel        string
	ShutdownTimeout time.Duration

	StoreBackend   StoreBackend
	DynamoTable    string
	DynamoRegion   string
	DynamoEndpoint string

	SessionTTL        time.Duration
	ReapInterval      time.Duration
	HeartbeatInterval time.Duration

	// PollRatePerSecond caps offer/answer/candidate polling per caller.
	// <= 0 disables the limiter.
	PollRatePerSecond int
	PollBurst         int

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// fileConfig mirrors Config for the optional YAML config file. Every field is
// a pointer so unset keys fall through to env vars and defaults.
type fileConfig struct {
	ListenAddr      *string `yaml:"listen_addr"`
	Mode            *string `yaml:"mode"`
	LogFormat       *string `yaml:"log_format"`
	LogLevel        *string `yaml:"log_level"`
	ShutdownTimeout *string `yaml:"shutdown_timeout"`

	Store struct {
		Backend        *string `yaml:"backend"`
		DynamoTable    *string `yaml:"dynamo_table"`
		DynamoRegion   *string `yaml:"dynamo_region"`
		DynamoEndpoint *string `yaml:"dynamo_endpoint"`
	} `yaml:"store"`

	SessionTTL        *string `yaml:"session_ttl"`
	ReapInterval      *string `yaml:"reap_interval"`
	HeartbeatInterval *string `yaml:"heartbeat_interval"`

	PollRatePerSecond *int `yaml:"max_polls_per_second"`
	PollBurst         *int `yaml:"poll_burst"`

	Auth struct {
		Mode      *string `yaml:"mode"`
		APIKey    *string `yaml:"api_key"`
		JWTSecret *string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	ReadTimeout  *string `yaml:"http_read_timeout"`
	WriteTimeout *string `yaml:"http_write_timeout"`
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, os.ReadFile, args)
}

// load resolves configuration in precedence order: flags > env vars > config
// file > built-in defaults.
func load(lookup func(string) (string, bool), readFile func(string) ([]byte, error), args []string) (Config, error) {
	configPath := envOrDefault(lookup, envVarConfigFile, "")

	fs := flag.NewFlagSet("perchcam-signaling-broker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		listenAddrFlag   string
		modeFlag         string
		logFormatFlag    string
		logLevelFlag     string
		shutdownFlag     time.Duration
		storeBackendFlag string
		dynamoTableFlag  string
		sessionTTLFlag   time.Duration
		reapIntervalFlag time.Duration
		heartbeatFlag    time.Duration
		pollRateFlag     int
		pollBurstFlag    int
		authModeFlag     string
	)

	fs.StringVar(&configPath, "config", configPath, "Path to YAML config file (env "+envVarConfigFile+")")
	fs.StringVar(&listenAddrFlag, "listen-addr", "", "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&modeFlag, "mode", "", "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatFlag, "log-format", "", "Log format: console or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownFlag, "shutdown-timeout", 0, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&storeBackendFlag, "store-backend", "", "Session store backend: memory or dynamodb (env "+envVarStoreBackend+")")
	fs.StringVar(&dynamoTableFlag, "dynamo-table", "", "DynamoDB table name (env "+envVarDynamoTable+")")
	fs.DurationVar(&sessionTTLFlag, "session-ttl", 0, "Session lifetime before expiry (env "+envVarSessionTTL+")")
	fs.DurationVar(&reapIntervalFlag, "reap-interval", 0, "Interval between expired-session sweeps (env "+envVarReapInterval+")")
	fs.DurationVar(&heartbeatFlag, "heartbeat-interval", 0, "Expected device heartbeat interval (env "+envVarHeartbeatInterval+")")
	fs.IntVar(&pollRateFlag, "max-polls-per-second", 0, "Poll requests/sec per caller, 0 = use default, negative = unlimited (env "+envVarPollRatePerSecond+")")
	fs.IntVar(&pollBurstFlag, "poll-burst", 0, "Poll rate limiter burst size (env "+envVarPollBurst+")")
	fs.StringVar(&authModeFlag, "auth-mode", "", "Auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	var fc fileConfig
	if configPath != "" {
		raw, err := readFile(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	cfg := Config{
		ListenAddr:        DefaultListenAddr,
		Mode:              DefaultMode,
		ShutdownTimeout:   DefaultShutdown,
		StoreBackend:      DefaultStoreBackend,
		SessionTTL:        DefaultSessionTTL,
		ReapInterval:      DefaultReapInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PollRatePerSecond: DefaultPollRatePerSecond,
		PollBurst:         DefaultPollBurst,
		AuthMode:          DefaultAuthMode,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
	}

	resolveString(&cfg.ListenAddr, fc.ListenAddr, lookup, envVarListenAddr, listenAddrFlag)

	modeStr := string(cfg.Mode)
	resolveString(&modeStr, fc.Mode, lookup, envVarMode, modeFlag)
	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode

	cfg.LogFormat = defaultLogFormatForMode(mode)
	resolveString(&cfg.LogFormat, fc.LogFormat, lookup, envVarLogFormat, logFormatFlag)
	cfg.LogLevel = defaultLogLevelForMode(mode)
	resolveString(&cfg.LogLevel, fc.LogLevel, lookup, envVarLogLevel, logLevelFlag)

	if err := resolveDuration(&cfg.ShutdownTimeout, fc.ShutdownTimeout, lookup, envVarShutdownTimeout, shutdownFlag, setFlags["shutdown-timeout"]); err != nil {
		return Config{}, err
	}

	backendStr := string(cfg.StoreBackend)
	resolveString(&backendStr, fc.Store.Backend, lookup, envVarStoreBackend, storeBackendFlag)
	backend, err := parseStoreBackend(backendStr)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreBackend = backend
	resolveString(&cfg.DynamoTable, fc.Store.DynamoTable, lookup, envVarDynamoTable, dynamoTableFlag)
	resolveString(&cfg.DynamoRegion, fc.Store.DynamoRegion, lookup, envVarDynamoRegion, "")
	resolveString(&cfg.DynamoEndpoint, fc.Store.DynamoEndpoint, lookup, envVarDynamoEndpoint, "")

	if err := resolveDuration(&cfg.SessionTTL, fc.SessionTTL, lookup, envVarSessionTTL, sessionTTLFlag, setFlags["session-ttl"]); err != nil {
		return Config{}, err
	}
	if err := resolveDuration(&cfg.ReapInterval, fc.ReapInterval, lookup, envVarReapInterval, reapIntervalFlag, setFlags["reap-interval"]); err != nil {
		return Config{}, err
	}
	if err := resolveDuration(&cfg.HeartbeatInterval, fc.HeartbeatInterval, lookup, envVarHeartbeatInterval, heartbeatFlag, setFlags["heartbeat-interval"]); err != nil {
		return Config{}, err
	}

	if fc.PollRatePerSecond != nil {
		cfg.PollRatePerSecond = *fc.PollRatePerSecond
	}
	if raw, ok := lookup(envVarPollRatePerSecond); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarPollRatePerSecond, raw, err)
		}
		cfg.PollRatePerSecond = n
	}
	if setFlags["max-polls-per-second"] {
		cfg.PollRatePerSecond = pollRateFlag
	}

	if fc.PollBurst != nil {
		cfg.PollBurst = *fc.PollBurst
	}
	if raw, ok := lookup(envVarPollBurst); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarPollBurst, raw, err)
		}
		cfg.PollBurst = n
	}
	if setFlags["poll-burst"] {
		cfg.PollBurst = pollBurstFlag
	}

	authModeStr := string(cfg.AuthMode)
	resolveString(&authModeStr, fc.Auth.Mode, lookup, envVarAuthMode, authModeFlag)
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthMode = authMode
	resolveString(&cfg.APIKey, fc.Auth.APIKey, lookup, envVarAPIKey, "")
	resolveString(&cfg.JWTSecret, fc.Auth.JWTSecret, lookup, envVarJWTSecret, "")

	if err := resolveDuration(&cfg.ReadTimeout, fc.ReadTimeout, lookup, envVarReadTimeout, 0, false); err != nil {
		return Config{}, err
	}
	if err := resolveDuration(&cfg.WriteTimeout, fc.WriteTimeout, lookup, envVarWriteTimeout, 0, false); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("%s/--session-ttl must be > 0", envVarSessionTTL)
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("%s/--reap-interval must be > 0", envVarReapInterval)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%s/--heartbeat-interval must be > 0", envVarHeartbeatInterval)
	}
	if c.PollRatePerSecond > 0 && c.PollBurst <= 0 {
		return fmt.Errorf("%s/--poll-burst must be > 0 when poll rate limiting is enabled", envVarPollBurst)
	}
	if c.StoreBackend == StoreBackendDynamoDB && strings.TrimSpace(c.DynamoTable) == "" {
		return fmt.Errorf("%s must be set when %s=%s", envVarDynamoTable, envVarStoreBackend, StoreBackendDynamoDB)
	}
	if c.AuthMode == AuthModeAPIKey && strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	if c.AuthMode == AuthModeJWT && strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", envVarReadTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", envVarWriteTimeout)
	}
	return nil
}

func resolveString(dst *string, file *string, lookup func(string) (string, bool), envVar, flagVal string) {
	if file != nil && strings.TrimSpace(*file) != "" {
		*dst = strings.TrimSpace(*file)
	}
	if raw, ok := lookup(envVar); ok && strings.TrimSpace(raw) != "" {
		*dst = strings.TrimSpace(raw)
	}
	if strings.TrimSpace(flagVal) != "" {
		*dst = strings.TrimSpace(flagVal)
	}
}

func resolveDuration(dst *time.Duration, file *string, lookup func(string) (string, bool), envVar string, flagVal time.Duration, flagSet bool) error {
	if file != nil && strings.TrimSpace(*file) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(*file))
		if err != nil {
			return fmt.Errorf("invalid %s %q in config file: %w", envVar, *file, err)
		}
		*dst = d
	}
	if raw, ok := lookup(envVar); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envVar, raw, err)
		}
		*dst = d
	}
	if flagSet {
		*dst = flagVal
	}
	return nil
}

func envOrDefault(lookup func(string) (string, bool), key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}

func parseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want dev or prod)", s)
	}
}

func parseStoreBackend(s string) (StoreBackend, error) {
	switch StoreBackend(strings.ToLower(strings.TrimSpace(s))) {
	case StoreBackendMemory:
		return StoreBackendMemory, nil
	case StoreBackendDynamoDB:
		return StoreBackendDynamoDB, nil
	default:
		return "", fmt.Errorf("invalid store backend %q (want memory or dynamodb)", s)
	}
}

func parseAuthMode(s string) (AuthMode, error) {
	switch AuthMode(strings.ToLower(strings.TrimSpace(s))) {
	case AuthModeNone:
		return AuthModeNone, nil
	case AuthModeAPIKey:
		return AuthModeAPIKey, nil
	case AuthModeJWT:
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid auth mode %q (want none, api_key, or jwt)", s)
	}
}

func defaultLogFormatForMode(m Mode) string {
	if m == ModeProd {
		return "json"
	}
	return "console"
}

func defaultLogLevelForMode(m Mode) string {
	if m == ModeProd {
		return "info"
	}
	return "debug"
}
