package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Carrier CarrierConfig
	Agent   AgentConfig
	Billing BillingConfig
	SMS     SMSConfig
	Email   EmailConfig
	Secure  SecureConfig
	Limits  LimitsConfig
	Calls   CallsConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable HTTP origin used when building
	// webhook callback URLs handed to the carrier. Must be https in production.
	PublicBaseURL string

	// StreamURL is the websocket origin the carrier dials for media streams.
	// Must be wss in production.
	StreamURL string

	// DefaultTimezone is used when a line has no timezone configured.
	DefaultTimezone string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type CarrierConfig struct {
	AccountSID string
	AuthToken  string

	// FromNumber is the E.164 caller id used for outbound calls.
	FromNumber string
}

type AgentConfig struct {
	// APIKey authenticates the realtime voice agent websocket.
	APIKey string

	// RealtimeURL is the agent websocket endpoint.
	RealtimeURL string

	// CompletionsURL is the batch completion endpoint used by the
	// insight-extraction fallback. Empty disables the fallback.
	CompletionsURL string

	// ConnectTimeout bounds the agent websocket dial.
	ConnectTimeout time.Duration
}

type BillingConfig struct {
	StripeAPIKey string
}

type SMSConfig struct {
	// Endpoint of the SMS collaborator; empty disables the SMS leg.
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

type EmailConfig struct {
	// Endpoint of the email collaborator; empty disables the email leg.
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

type SecureConfig struct {
	// EncryptionKeyHex is the KEK: exactly 64 hex characters (32 bytes).
	EncryptionKeyHex string

	// InternalSecret authenticates collaborator webhooks.
	InternalSecret string

	// StreamTokenSecret signs the short-lived tokens that bind a carrier
	// media websocket to its call session.
	StreamTokenSecret string

	StreamTokenTTL time.Duration
}

type LimitsConfig struct {
	// Sliding-window thresholds. Zero means "use default".
	PerPhonePerHour    int
	PerIPPerHour       int
	PerAccountPerHour  int
	RemindersPerCall   int
	SnoozesPerReminder int

	// AnomalyCallsPerDay flags lines with unusually high call volume.
	AnomalyCallsPerDay int
}

type CallsConfig struct {
	// SchedulerInterval is the polling cadence for due schedules/reminders.
	SchedulerInterval time.Duration

	// OriginationTimeout bounds the carrier REST call that places a call.
	OriginationTimeout time.Duration

	// MinReminderLead rejects reminders due sooner than this.
	MinReminderLead time.Duration

	// TrialGraceWindow is how long a trial call may continue after minutes
	// run out before the hard disconnect.
	TrialGraceWindow time.Duration
}

const minInternalSecretLen = 32

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL"))
	c.App.StreamURL = strings.TrimSpace(os.Getenv("STREAM_URL"))
	c.App.DefaultTimezone = strings.TrimSpace(os.Getenv("DEFAULT_TIMEZONE"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Carrier.AccountSID = strings.TrimSpace(os.Getenv("CARRIER_ACCOUNT_SID"))
	c.Carrier.AuthToken = os.Getenv("CARRIER_AUTH_TOKEN")
	c.Carrier.FromNumber = strings.TrimSpace(os.Getenv("CARRIER_FROM_NUMBER"))

	c.Agent.APIKey = os.Getenv("AGENT_API_KEY")
	c.Agent.RealtimeURL = strings.TrimSpace(os.Getenv("AGENT_REALTIME_URL"))
	c.Agent.CompletionsURL = strings.TrimSpace(os.Getenv("AGENT_COMPLETIONS_URL"))
	c.Agent.ConnectTimeout = optDuration("AGENT_CONNECT_TIMEOUT", &parseErrs)

	c.Billing.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	c.SMS.Endpoint = strings.TrimSpace(os.Getenv("SMS_ENDPOINT"))
	c.SMS.APIKey = os.Getenv("SMS_API_KEY")
	c.SMS.Timeout = optDuration("SMS_TIMEOUT", &parseErrs)

	c.Email.Endpoint = strings.TrimSpace(os.Getenv("EMAIL_ENDPOINT"))
	c.Email.APIKey = os.Getenv("EMAIL_API_KEY")
	c.Email.Timeout = optDuration("EMAIL_TIMEOUT", &parseErrs)

	c.Secure.EncryptionKeyHex = strings.TrimSpace(os.Getenv("ENCRYPTION_KEY"))
	c.Secure.InternalSecret = os.Getenv("INTERNAL_SECRET")
	c.Secure.StreamTokenSecret = os.Getenv("STREAM_TOKEN_SECRET")
	c.Secure.StreamTokenTTL = optDuration("STREAM_TOKEN_TTL", &parseErrs)

	c.Limits.PerPhonePerHour = optInt("RATE_LIMIT_PHONE_PER_HOUR", &parseErrs)
	c.Limits.PerIPPerHour = optInt("RATE_LIMIT_IP_PER_HOUR", &parseErrs)
	c.Limits.PerAccountPerHour = optInt("RATE_LIMIT_ACCOUNT_PER_HOUR", &parseErrs)
	c.Limits.RemindersPerCall = optInt("RATE_LIMIT_REMINDERS_PER_CALL", &parseErrs)
	c.Limits.SnoozesPerReminder = optInt("MAX_SNOOZES_PER_REMINDER", &parseErrs)
	c.Limits.AnomalyCallsPerDay = optInt("ANOMALY_CALLS_PER_DAY", &parseErrs)

	c.Calls.SchedulerInterval = optDuration("SCHEDULER_INTERVAL", &parseErrs)
	c.Calls.OriginationTimeout = optDuration("ORIGINATION_TIMEOUT", &parseErrs)
	c.Calls.MinReminderLead = optDuration("MIN_REMINDER_LEAD", &parseErrs)
	c.Calls.TrialGraceWindow = optDuration("TRIAL_GRACE_WINDOW", &parseErrs)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and applies documented defaults.
// It is called eagerly at startup; any error here is fatal.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	} else if c.IsProduction() && !strings.HasPrefix(c.App.PublicBaseURL, "https://") {
		errs = append(errs, errors.New("PUBLIC_BASE_URL must be https in production"))
	}
	if c.App.StreamURL == "" {
		errs = append(errs, errors.New("STREAM_URL is required"))
	} else if c.IsProduction() && !strings.HasPrefix(c.App.StreamURL, "wss://") {
		errs = append(errs, errors.New("STREAM_URL must be wss in production"))
	}
	if c.App.DefaultTimezone == "" {
		c.App.DefaultTimezone = "America/New_York"
	} else if _, err := time.LoadLocation(c.App.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_TIMEZONE is not a valid IANA zone: %q", c.App.DefaultTimezone))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Carrier.AccountSID == "" {
		errs = append(errs, errors.New("CARRIER_ACCOUNT_SID is required"))
	}
	if c.Carrier.AuthToken == "" {
		errs = append(errs, errors.New("CARRIER_AUTH_TOKEN is required"))
	}
	if c.Carrier.FromNumber == "" {
		errs = append(errs, errors.New("CARRIER_FROM_NUMBER is required"))
	}

	if c.Agent.APIKey == "" {
		errs = append(errs, errors.New("AGENT_API_KEY is required"))
	}
	if c.Agent.RealtimeURL == "" {
		errs = append(errs, errors.New("AGENT_REALTIME_URL is required"))
	} else if c.IsProduction() && !strings.HasPrefix(c.Agent.RealtimeURL, "wss://") {
		errs = append(errs, errors.New("AGENT_REALTIME_URL must be wss in production"))
	}
	if c.Agent.ConnectTimeout <= 0 {
		c.Agent.ConnectTimeout = 30 * time.Second
	}

	if c.IsProduction() && c.Billing.StripeAPIKey == "" {
		errs = append(errs, errors.New("STRIPE_API_KEY is required in production"))
	}
	if c.SMS.Timeout <= 0 {
		c.SMS.Timeout = 30 * time.Second
	}
	if c.Email.Timeout <= 0 {
		c.Email.Timeout = 30 * time.Second
	}

	if kek, err := hex.DecodeString(c.Secure.EncryptionKeyHex); err != nil || len(kek) != 32 {
		errs = append(errs, errors.New("ENCRYPTION_KEY must be exactly 64 hex characters"))
	}
	if len(c.Secure.InternalSecret) < minInternalSecretLen {
		errs = append(errs, fmt.Errorf("INTERNAL_SECRET must be at least %d characters", minInternalSecretLen))
	}
	if c.Secure.StreamTokenSecret == "" {
		errs = append(errs, errors.New("STREAM_TOKEN_SECRET is required"))
	}
	if c.Secure.StreamTokenTTL <= 0 {
		c.Secure.StreamTokenTTL = 5 * time.Minute
	}

	// Rate-limit defaults; see internal/ratelimit for scope semantics.
	if c.Limits.PerPhonePerHour <= 0 {
		c.Limits.PerPhonePerHour = 10
	}
	if c.Limits.PerIPPerHour <= 0 {
		c.Limits.PerIPPerHour = 30
	}
	if c.Limits.PerAccountPerHour <= 0 {
		c.Limits.PerAccountPerHour = 20
	}
	if c.Limits.RemindersPerCall <= 0 {
		c.Limits.RemindersPerCall = 5
	}
	if c.Limits.SnoozesPerReminder <= 0 {
		c.Limits.SnoozesPerReminder = 3
	}
	if c.Limits.AnomalyCallsPerDay <= 0 {
		c.Limits.AnomalyCallsPerDay = 12
	}

	if c.Calls.SchedulerInterval <= 0 {
		c.Calls.SchedulerInterval = 30 * time.Second
	}
	if c.Calls.OriginationTimeout <= 0 {
		c.Calls.OriginationTimeout = 30 * time.Second
	}
	if c.Calls.MinReminderLead <= 0 {
		c.Calls.MinReminderLead = 5 * time.Minute
	}
	if c.Calls.TrialGraceWindow <= 0 {
		c.Calls.TrialGraceWindow = 30 * time.Second
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// KEK returns the decoded key-encryption key. Validate must have passed.
func (c Config) KEK() []byte {
	kek, _ := hex.DecodeString(c.Secure.EncryptionKeyHex)
	return kek
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return 0
	}
	return n
}

func optDuration(key string, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration like 30s or 5m, got %q", key, v))
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
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
