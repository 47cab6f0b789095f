package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds all configuration required by the callagent and tokenserver processes.
// Values come from an optional INI settings file, overridden by env.
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	Token   TokenConfig
	Agent   AgentConfig
	LiveKit LiveKitConfig
	Call    CallConfig
	Redis   RedisConfig
	Log     LogConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// TokenConfig points the client at the token-issuing backend.
type TokenConfig struct {
	BaseURL string
	Timeout time.Duration

	// IssueLimit caps tokens issued per identity within IssueWindow.
	// Zero disables the cap.
	IssueLimit  int
	IssueWindow time.Duration
}

type AgentConfig struct {
	BaseURL string
	APIKey  string
	AgentID string
	Timeout time.Duration
}

type LiveKitConfig struct {
	// URL is the fallback transport endpoint used when a token omits one.
	URL       string
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

type CallConfig struct {
	RoomPrefix string
	AgentName  string
	GraceDelay time.Duration
	TrackGain  float64
	DemoMode   bool

	// AudioDir receives remote agent audio as Ogg/Opus files. Empty discards it.
	AudioDir string
}

type RedisConfig struct {
	// Addr is optional; without it the token issuance cap is kept in memory.
	Addr string
}

type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
}

const settingsFileEnv = "CALLAGENT_CONFIG"

// fileKeys maps env keys to their [section, key] location in the settings file.
var fileKeys = map[string][2]string{
	"APP_ENV":            {"app", "env"},
	"APP_PORT":           {"app", "port"},
	"TOKEN_BASE_URL":     {"token", "base_url"},
	"TOKEN_TIMEOUT":      {"token", "timeout"},
	"TOKEN_ISSUE_LIMIT":  {"token", "issue_limit"},
	"TOKEN_ISSUE_WINDOW": {"token", "issue_window"},
	"AGENT_BASE_URL":     {"agent", "base_url"},
	"AGENT_API_KEY":      {"agent", "api_key"},
	"AGENT_ID":           {"agent", "id"},
	"AGENT_TIMEOUT":      {"agent", "timeout"},
	"LIVEKIT_URL":        {"livekit", "url"},
	"LIVEKIT_API_KEY":    {"livekit", "api_key"},
	"LIVEKIT_API_SECRET": {"livekit", "api_secret"},
	"LIVEKIT_TOKEN_TTL":  {"livekit", "token_ttl"},
	"CALL_ROOM_PREFIX":   {"call", "room_prefix"},
	"CALL_AGENT_NAME":    {"call", "agent_name"},
	"CALL_GRACE_DELAY":   {"call", "grace_delay"},
	"CALL_TRACK_GAIN":    {"call", "track_gain"},
	"CALL_DEMO_MODE":     {"call", "demo_mode"},
	"CALL_AUDIO_DIR":     {"call", "audio_dir"},
	"REDIS_ADDR":         {"redis", "addr"},
	"LOG_FILE":           {"logging", "file"},
	"LOG_MAX_SIZE_MB":    {"logging", "max_size_mb"},
	"LOG_MAX_BACKUPS":    {"logging", "max_backups"},
}

// source resolves a key from env first, then from the settings file.
type source struct {
	file *ini.File
}

func (s source) get(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if s.file == nil {
		return ""
	}
	loc, ok := fileKeys[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(s.file.Section(loc[0]).Key(loc[1]).String())
}

// Load reads the settings file named by CALLAGENT_CONFIG (if any) and env.
func Load() (Config, error) {
	var src source
	if path := strings.TrimSpace(os.Getenv(settingsFileEnv)); path != "" {
		f, err := ini.Load(path)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", settingsFileEnv, err)
		}
		src.file = f
	}
	return load(src)
}

func load(src source) (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = src.get("APP_ENV")
	c.App.Port, parseErrs = intKey(src, "APP_PORT", parseErrs)

	c.Token.BaseURL = src.get("TOKEN_BASE_URL")
	c.Token.Timeout, parseErrs = durationKey(src, "TOKEN_TIMEOUT", parseErrs)
	c.Token.IssueLimit, parseErrs = intKey(src, "TOKEN_ISSUE_LIMIT", parseErrs)
	c.Token.IssueWindow, parseErrs = durationKey(src, "TOKEN_ISSUE_WINDOW", parseErrs)

	c.Agent.BaseURL = src.get("AGENT_BASE_URL")
	c.Agent.APIKey = src.get("AGENT_API_KEY")
	c.Agent.AgentID = src.get("AGENT_ID")
	c.Agent.Timeout, parseErrs = durationKey(src, "AGENT_TIMEOUT", parseErrs)

	c.LiveKit.URL = src.get("LIVEKIT_URL")
	c.LiveKit.APIKey = src.get("LIVEKIT_API_KEY")
	c.LiveKit.APISecret = src.get("LIVEKIT_API_SECRET")
	c.LiveKit.TokenTTL, parseErrs = durationKey(src, "LIVEKIT_TOKEN_TTL", parseErrs)

	c.Call.RoomPrefix = src.get("CALL_ROOM_PREFIX")
	c.Call.AgentName = src.get("CALL_AGENT_NAME")
	c.Call.GraceDelay, parseErrs = durationKey(src, "CALL_GRACE_DELAY", parseErrs)
	c.Call.TrackGain, parseErrs = floatKey(src, "CALL_TRACK_GAIN", parseErrs)
	c.Call.DemoMode = boolKey(src, "CALL_DEMO_MODE")
	c.Call.AudioDir = src.get("CALL_AUDIO_DIR")

	c.Redis.Addr = src.get("REDIS_ADDR")

	c.Log.File = src.get("LOG_FILE")
	c.Log.MaxSizeMB, parseErrs = intKey(src, "LOG_MAX_SIZE_MB", parseErrs)
	c.Log.MaxBackups, parseErrs = intKey(src, "LOG_MAX_BACKUPS", parseErrs)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills optional values. Required values are left for Validate.
func (c *Config) ApplyDefaults() {
	if c.Token.Timeout <= 0 {
		// The call flow sits in Connecting while this runs; fail fast.
		c.Token.Timeout = 5 * time.Second
	}
	if c.Token.IssueWindow <= 0 {
		c.Token.IssueWindow = time.Minute
	}
	if c.Agent.BaseURL == "" {
		c.Agent.BaseURL = "https://agenticbuilder.onrender.com/"
	}
	if c.Agent.Timeout <= 0 {
		c.Agent.Timeout = 10 * time.Second
	}
	if c.LiveKit.TokenTTL <= 0 {
		c.LiveKit.TokenTTL = 24 * time.Hour
	}
	if c.Call.RoomPrefix == "" {
		c.Call.RoomPrefix = "zain-voice"
	}
	if c.Call.AgentName == "" {
		c.Call.AgentName = "Zain Assistant"
	}
	if c.Call.GraceDelay <= 0 {
		c.Call.GraceDelay = 100 * time.Millisecond
	}
	if c.Call.TrackGain <= 0 {
		c.Call.TrackGain = 2.0
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 1
	}
}

// Validate checks settings shared by both processes.
func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.Token.IssueLimit < 0 {
		errs = append(errs, fmt.Errorf("TOKEN_ISSUE_LIMIT must be >= 0, got %d", c.Token.IssueLimit))
	}
	if c.Token.BaseURL != "" && !isHTTPURL(c.Token.BaseURL) {
		errs = append(errs, fmt.Errorf("TOKEN_BASE_URL must be an http(s) url, got %q", c.Token.BaseURL))
	}
	if c.LiveKit.URL != "" && !isTransportURL(c.LiveKit.URL) {
		errs = append(errs, fmt.Errorf("LIVEKIT_URL must be a ws(s) or http(s) url, got %q", c.LiveKit.URL))
	}

	return joinErrors(errs)
}

// ValidateClient adds the checks the callagent needs to place real calls.
// Demo mode runs against the loopback transport and needs neither backend.
func (c Config) ValidateClient() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !c.Call.DemoMode {
		if c.Token.BaseURL == "" {
			errs = append(errs, errors.New("TOKEN_BASE_URL is required unless CALL_DEMO_MODE is set"))
		}
		if c.LiveKit.URL == "" {
			errs = append(errs, errors.New("LIVEKIT_URL is required unless CALL_DEMO_MODE is set"))
		}
	}
	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// HasLiveKitCredentials reports whether the token server can sign tokens.
func (c Config) HasLiveKitCredentials() bool {
	return c.LiveKit.APIKey != "" && c.LiveKit.APISecret != ""
}

func intKey(src source, key string, errs []error) (int, []error) {
	v := src.get(key)
	if v == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func floatKey(src source, key string, errs []error) (float64, []error) {
	v := src.get(key)
	if v == "" {
		return 0, errs
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a number, got %q", key, v))
	}
	return f, errs
}

func durationKey(src source, key string, errs []error) (time.Duration, []error) {
	v := src.get(key)
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func boolKey(src source, key string) bool {
	switch strings.ToLower(src.get(key)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

func isTransportURL(v string) bool {
	return isHTTPURL(v) || strings.HasPrefix(v, "ws://") || strings.HasPrefix(v, "wss://")
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
