// config/config.go
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"vault-settlement-system/logger"
)

type Config struct {
	App        *AppConfig
	DB         *DBConfig
	Redis      *RedisConfig
	Ledger     *LedgerConfig
	Assets     map[string]*AssetConfig
	Settlement *SettlementConfig
	Sync       *SyncConfig
	R2         *R2Config
}

type AppConfig struct {
	Name           string
	Env            string
	Port           string
	LogLevel       string
	GatewayToken   string
	ProviderAPIKey string
	AllowedOrigins string
}

type DBConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LedgerConfig struct {
	RPCURL         string
	ReadTimeout    time.Duration
	ConfirmTimeout time.Duration
	MaxRetries     int
	CacheEntries   int64
}

// AssetConfig describes where an asset is custodied. ReceivingAddress is the
// vault master wallet; CustodyKey is the JSON byte array of its secret key.
type AssetConfig struct {
	Symbol           string
	Mint             string
	ReceivingAddress string
	CustodyKey       string
}

type SettlementConfig struct {
	EarlyWithdrawalFeeRate decimal.Decimal
	LockTTL                time.Duration
	LockWait               time.Duration
	ReconcileInterval      time.Duration
	ReconcileMaxAttempts   int
}

type SyncConfig struct {
	ServiceURL   string
	ServiceToken string
	EndpointPath string
	Interval     time.Duration
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
}

// Enabled reports whether incident archiving to R2 is configured.
func (c *R2Config) Enabled() bool {
	return c != nil && c.AccountID != "" && c.Bucket != ""
}

var defaultMints = map[string]string{
	"SOL":  "So11111111111111111111111111111111111111112",
	"USDC": "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
	"USDT": "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB",
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logger.Warn("⚠️  No .env file found, reading environment variables directly")
	}

	cfg := &Config{
		App:        LoadAppConfig(),
		DB:         LoadDBConfig(),
		Redis:      LoadRedisConfig(),
		Ledger:     LoadLedgerConfig(),
		Assets:     LoadAssetConfig(),
		Settlement: LoadSettlementConfig(),
		Sync:       LoadSyncConfig(),
		R2:         LoadR2Config(),
	}
	cfg.enforceLockTTL()
	return cfg
}

// lockTTLMargin covers backoff waits and database work around the payout.
const lockTTLMargin = 30 * time.Second

// MinWithdrawLockTTL is the longest a withdrawal can hold its position lock
// under l: two retried ledger reads before the payout, then broadcast and
// confirm, each bounded by the confirm timeout.
func MinWithdrawLockTTL(l *LedgerConfig) time.Duration {
	retries := l.MaxRetries
	if retries < 0 {
		retries = 0
	}
	reads := 2 * time.Duration(retries+1) * l.ReadTimeout
	return reads + 2*l.ConfirmTimeout + lockTTLMargin
}

// enforceLockTTL raises WITHDRAW_LOCK_TTL to MinWithdrawLockTTL so the lease
// cannot expire while a payout is in flight.
func (c *Config) enforceLockTTL() {
	if c.Ledger == nil || c.Settlement == nil {
		return
	}
	floor := MinWithdrawLockTTL(c.Ledger)
	if c.Settlement.LockTTL < floor {
		logger.Warnf("⚠️  WITHDRAW_LOCK_TTL=%s is shorter than a worst-case payout, using %s", c.Settlement.LockTTL, floor)
		c.Settlement.LockTTL = floor
	}
}

func LoadAppConfig() *AppConfig {
	return &AppConfig{
		Name:           getEnv("APP_NAME", "vault-settlement-system"),
		Env:            getEnv("APP_ENV", "development"),
		Port:           getEnv("APP_PORT", "9000"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		GatewayToken:   getEnv("GATEWAY_SERVICE_TOKEN", ""),
		ProviderAPIKey: getEnv("PROVIDER_API_KEY", ""),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "http://localhost:3000"),
	}
}

func LoadDBConfig() *DBConfig {
	return &DBConfig{
		DSN:             getEnv("DATABASE_URL", ""),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", time.Hour),
	}
}

func LoadRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvAsInt("REDIS_DB", 0),
	}
}

func LoadLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		RPCURL:         getEnv("SOLANA_RPC", "https://api.devnet.solana.com"),
		ReadTimeout:    getEnvAsDuration("LEDGER_READ_TIMEOUT", 10*time.Second),
		ConfirmTimeout: getEnvAsDuration("LEDGER_CONFIRM_TIMEOUT", 60*time.Second),
		MaxRetries:     getEnvAsInt("LEDGER_MAX_RETRIES", 3),
		CacheEntries:   int64(getEnvAsInt("LEDGER_CACHE_ENTRIES", 10000)),
	}
}

// LoadAssetConfig reads <SYMBOL>_MINT, <SYMBOL>_MASTER_WALLET_PUBKEY and
// <SYMBOL>_VAULT_PRIVATE_KEY for every supported symbol.
func LoadAssetConfig() map[string]*AssetConfig {
	assets := make(map[string]*AssetConfig, len(defaultMints))
	for symbol, mint := range defaultMints {
		assets[symbol] = &AssetConfig{
			Symbol:           symbol,
			Mint:             getEnv(symbol+"_MINT", mint),
			ReceivingAddress: getEnv(symbol+"_MASTER_WALLET_PUBKEY", ""),
			CustodyKey:       getEnv(symbol+"_VAULT_PRIVATE_KEY", ""),
		}
	}
	return assets
}

func LoadSettlementConfig() *SettlementConfig {
	return &SettlementConfig{
		EarlyWithdrawalFeeRate: getEnvAsDecimal("EARLY_WITHDRAWAL_FEE_RATE", decimal.RequireFromString("0.01")),
		LockTTL:                getEnvAsDuration("WITHDRAW_LOCK_TTL", 5*time.Minute),
		LockWait:               getEnvAsDuration("WITHDRAW_LOCK_WAIT", 30*time.Second),
		ReconcileInterval:      getEnvAsDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileMaxAttempts:   getEnvAsInt("RECONCILE_MAX_ATTEMPTS", 10),
	}
}

func LoadSyncConfig() *SyncConfig {
	return &SyncConfig{
		ServiceURL:   getEnv("SYNC_SERVICE_URL", ""),
		ServiceToken: getEnv("SYNC_SERVICE_TOKEN", ""),
		EndpointPath: getEnv("SYNC_ACCOUNTS_PATH", "/api/v1/public/wallets"),
		Interval:     getEnvAsDuration("SYNC_INTERVAL", time.Minute),
	}
}

func LoadR2Config() *R2Config {
	return &R2Config{
		AccountID:       getEnv("CLOUDFLARE_ACCOUNT_ID", ""),
		AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		AccessKeySecret: getEnv("R2_ACCESS_KEY_SECRET", ""),
		Bucket:          getEnv("R2_BUCKET_NAME", ""),
	}
}

// AllowedOriginsList splits ALLOWED_ORIGINS on commas and trims each entry.
func (c *AppConfig) AllowedOriginsList() string {
	origins := strings.Split(c.AllowedOrigins, ",")
	for i, origin := range origins {
		origins[i] = strings.TrimSpace(origin)
	}
	return strings.Join(origins, ",")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
		logger.Warnf("⚠️  %s=%q is not an integer, using %d", key, val, defaultVal)
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		logger.Warnf("⚠️  %s=%q is not a duration, using %s", key, val, defaultVal)
	}
	return defaultVal
}

func getEnvAsDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
		logger.Warnf("⚠️  %s=%q is not a decimal, using %s", key, val, defaultVal)
	}
	return defaultVal
}
