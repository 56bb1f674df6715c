package bank

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is a configuration for the bank application
type Config struct {
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	ISO8583Addr string `mapstructure:"ISO8583_ADDR"`

	// RepoBackend is "pg" or "mem". The memory backend must be enabled explicitly.
	RepoBackend     string `mapstructure:"REPO_BACKEND"`
	AllowMemBackend bool   `mapstructure:"ALLOW_MEM_BACKEND"`
	DBDSN           string `mapstructure:"DB_DSN"`
	// PANHashKey is the HMAC key cards are indexed by in Postgres.
	PANHashKey string `mapstructure:"PAN_HASH_KEY"`

	JWTSecret  string        `mapstructure:"JWT_SECRET"`
	JWTTTL     time.Duration `mapstructure:"JWT_TTL"`
	OTPTTL     time.Duration `mapstructure:"OTP_TTL"`
	BcryptCost int           `mapstructure:"BCRYPT_COST"`

	Currency string `mapstructure:"CURRENCY"`
	// AccountTitles is the list new accounts draw their bank title from.
	AccountTitles []string `mapstructure:"ACCOUNT_TITLES"`
	// AdminEmails are opened with the admin role.
	AdminEmails []string `mapstructure:"ADMIN_EMAILS"`

	// BINPrefix sets the issuer BIN prefix used to generate PANs (6/8/9 digits).
	BINPrefix string `mapstructure:"BIN_PREFIX"`
	// CardProduct selects the validity period of issued cards (e.g., "debit").
	CardProduct string `mapstructure:"CARD_PRODUCT"`
	// ProductYears maps card product to validity years (e.g., credit=3, debit=5).
	ProductYears map[string]int `mapstructure:"-"`
	// ExpiryTZ is an IANA timezone name for expiry and daily-limit computations.
	ExpiryTZ string `mapstructure:"EXPIRY_TZ"`
	// DefaultDailyLimit is the withdrawal limit of new cards in minor units.
	DefaultDailyLimit int64  `mapstructure:"DEFAULT_DAILY_LIMIT"`
	CVKKey            string `mapstructure:"CVK_KEY"`

	// HSM settings are used only by builds with the softhsm tag.
	HSMModule   string `mapstructure:"HSM_MODULE"`
	HSMSlot     uint   `mapstructure:"HSM_SLOT"`
	HSMPin      string `mapstructure:"HSM_PIN"`
	HSMKeyLabel string `mapstructure:"HSM_KEY_LABEL"`

	AMQPURL         string `mapstructure:"AMQP_URL"`
	NotifyExchange  string `mapstructure:"NOTIFY_EXCHANGE"`
	NotifyQueueSize int    `mapstructure:"NOTIFY_QUEUE_SIZE"`

	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	OTPRateLimit  int           `mapstructure:"OTP_RATE_LIMIT"`
	OTPRateWindow time.Duration `mapstructure:"OTP_RATE_WINDOW"`

	OTPSweepSchedule string `mapstructure:"OTP_SWEEP_SCHEDULE"`
}

var defaultAccountTitles = []string{"UBL", "Meezan Islamic Bank", "HBL", "Allied Bank", "Bank Alfalah", "MCB Bank"}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:          "localhost:9090",
		ISO8583Addr:       "localhost:8583",
		RepoBackend:       "pg",
		PANHashKey:        "dev-secret-pepper",
		JWTTTL:            time.Hour,
		OTPTTL:            10 * time.Minute,
		BcryptCost:        10,
		Currency:          "PKR",
		AccountTitles:     append([]string(nil), defaultAccountTitles...),
		BINPrefix:         "421234",
		CardProduct:       "debit",
		DefaultDailyLimit: 50_000_00,
		CVKKey:            "dev-cvk-key",
		NotifyExchange:    "bank_notifications",
		NotifyQueueSize:   256,
		OTPRateLimit:      5,
		OTPRateWindow:     15 * time.Minute,
		OTPSweepSchedule:  "@every 5m",
	}
}

// LoadConfig reads .env from path (if present) and the environment on top of
// the defaults.
func LoadConfig(path string) (*Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", def.HTTPAddr)
	v.SetDefault("ISO8583_ADDR", def.ISO8583Addr)
	v.SetDefault("REPO_BACKEND", def.RepoBackend)
	v.SetDefault("ALLOW_MEM_BACKEND", def.AllowMemBackend)
	v.SetDefault("DB_DSN", def.DBDSN)
	v.SetDefault("PAN_HASH_KEY", def.PANHashKey)
	v.SetDefault("JWT_SECRET", def.JWTSecret)
	v.SetDefault("JWT_TTL", def.JWTTTL)
	v.SetDefault("OTP_TTL", def.OTPTTL)
	v.SetDefault("BCRYPT_COST", def.BcryptCost)
	v.SetDefault("CURRENCY", def.Currency)
	v.SetDefault("ACCOUNT_TITLES", strings.Join(def.AccountTitles, ","))
	v.SetDefault("ADMIN_EMAILS", "")
	v.SetDefault("BIN_PREFIX", def.BINPrefix)
	v.SetDefault("CARD_PRODUCT", def.CardProduct)
	v.SetDefault("EXPIRY_TZ", def.ExpiryTZ)
	v.SetDefault("DEFAULT_DAILY_LIMIT", def.DefaultDailyLimit)
	v.SetDefault("CVK_KEY", def.CVKKey)
	v.SetDefault("HSM_MODULE", def.HSMModule)
	v.SetDefault("HSM_SLOT", def.HSMSlot)
	v.SetDefault("HSM_PIN", def.HSMPin)
	v.SetDefault("HSM_KEY_LABEL", def.HSMKeyLabel)
	v.SetDefault("AMQP_URL", def.AMQPURL)
	v.SetDefault("NOTIFY_EXCHANGE", def.NotifyExchange)
	v.SetDefault("NOTIFY_QUEUE_SIZE", def.NotifyQueueSize)
	v.SetDefault("REDIS_ADDR", def.RedisAddr)
	v.SetDefault("OTP_RATE_LIMIT", def.OTPRateLimit)
	v.SetDefault("OTP_RATE_WINDOW", def.OTPRateWindow)
	v.SetDefault("OTP_SWEEP_SCHEDULE", def.OTPSweepSchedule)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.AccountTitles = cleanList(cfg.AccountTitles)
	if len(cfg.AccountTitles) == 0 {
		cfg.AccountTitles = def.AccountTitles
	}
	cfg.AdminEmails = cleanList(cfg.AdminEmails)
	return cfg, nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
