// Package config defines all configuration for the market-making daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MM_* environment variables.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool                    `mapstructure:"dry_run"`
	MetricsAddr string                  `mapstructure:"metrics_addr"`
	Wallet      WalletConfig            `mapstructure:"wallet"`
	Exchange    ExchangeConfig          `mapstructure:"exchange"`
	Symbols     map[string]SymbolConfig `mapstructure:"symbols"`
	Logging     LoggingConfig           `mapstructure:"logging"`
}

// WalletConfig holds the key used for L1 (EIP-712) auth and L2 credential
// derivation.
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
	ChainID    int64  `mapstructure:"chain_id"`
}

// ExchangeConfig holds the venue's REST/WebSocket endpoints and optional
// pre-derived L2 credentials. If APIKey/Secret/Passphrase are empty, the
// daemon derives them via L1 auth on startup.
type ExchangeConfig struct {
	BaseURL    string          `mapstructure:"base_url"`
	WSURL      string          `mapstructure:"ws_url"`
	APIKey     string          `mapstructure:"api_key"`
	Secret     string          `mapstructure:"secret"`
	Passphrase string          `mapstructure:"passphrase"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig sets the per-category token-bucket capacity and refill
// rate for this venue. A zero-valued field falls back to a conservative
// default (see internal/exchange.NewRateLimiter) rather than disabling that
// bucket, so an operator only needs to override the categories their venue
// publishes different numbers for.
type RateLimitConfig struct {
	OrderBurst      float64 `mapstructure:"order_burst"`
	OrderPerSecond  float64 `mapstructure:"order_per_second"`
	CancelBurst     float64 `mapstructure:"cancel_burst"`
	CancelPerSecond float64 `mapstructure:"cancel_per_second"`
	BookBurst       float64 `mapstructure:"book_burst"`
	BookPerSecond   float64 `mapstructure:"book_per_second"`
}

// SymbolConfig holds the per-symbol quoting/OMS parameters. Field names
// mirror the config keys a symbol's quoting.Config/oms.Config/worker.Config
// are assembled from.
type SymbolConfig struct {
	NumOrders            int           `mapstructure:"num_orders"`
	TPDistanceBps        float64       `mapstructure:"tp_distance"`
	TickSize             float64       `mapstructure:"tick_size"`
	LotSize              float64       `mapstructure:"lot_size"`
	SpreadBps            float64       `mapstructure:"spread_bps"`
	GrossExposureDollars float64       `mapstructure:"gross_exposure_dollars"`
	EpsilonBps           float64       `mapstructure:"epsilon"`
	InventoryMaxDollars  float64       `mapstructure:"inventory_max_dollars"`
	MinRequoteInterval   time.Duration `mapstructure:"min_requote_interval"`
	ExchSymbol           string        `mapstructure:"exch_symbol"`
}

// TelegramConfig controls the optional buffered Telegram log sink.
type TelegramConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BotToken    string        `mapstructure:"bot_token"`
	ChatID      int64         `mapstructure:"chat_id"`
	MinLevel    string        `mapstructure:"min_level"`
	FlushPeriod time.Duration `mapstructure:"flush_period"`
}

// LoggingConfig controls the slog handler setup.
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	Format   string         `mapstructure:"format"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MM_WALLET_PRIVATE_KEY, MM_EXCHANGE_APIKEY,
// MM_EXCHANGE_SECRET, MM_EXCHANGE_PASSPHRASE, MM_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("MM_WALLET_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("MM_EXCHANGE_APIKEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("MM_EXCHANGE_SECRET"); secret != "" {
		cfg.Exchange.Secret = secret
	}
	if pass := os.Getenv("MM_EXCHANGE_PASSPHRASE"); pass != "" {
		cfg.Exchange.Passphrase = pass
	}
	if token := os.Getenv("MM_LOGGING_TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Logging.Telegram.BotToken = token
	}
	if os.Getenv("MM_DRY_RUN") == "true" || os.Getenv("MM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set MM_WALLET_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.Exchange.WSURL == "" {
		return fmt.Errorf("exchange.ws_url is required")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols: at least one symbol must be configured")
	}
	for symbol, sc := range c.Symbols {
		if sc.NumOrders <= 0 || sc.NumOrders%2 != 0 {
			return fmt.Errorf("symbols.%s.num_orders must be a positive even integer", symbol)
		}
		if sc.TickSize <= 0 {
			return fmt.Errorf("symbols.%s.tick_size must be > 0", symbol)
		}
		if sc.LotSize <= 0 {
			return fmt.Errorf("symbols.%s.lot_size must be > 0", symbol)
		}
		if sc.GrossExposureDollars <= 0 {
			return fmt.Errorf("symbols.%s.gross_exposure_dollars must be > 0", symbol)
		}
		if sc.InventoryMaxDollars <= 0 {
			return fmt.Errorf("symbols.%s.inventory_max_dollars must be > 0", symbol)
		}
	}
	if c.Logging.Telegram.Enabled && c.Logging.Telegram.BotToken == "" {
		return fmt.Errorf("logging.telegram.bot_token is required when logging.telegram.enabled is true")
	}
	return nil
}

// SymbolList returns the configured symbol list sorted for deterministic
// boot ordering (map iteration would be random, which would make
// reconnect/resubscribe logs non-reproducible across runs).
func (c *Config) SymbolList() []string {
	symbols := make([]string, 0, len(c.Symbols))
	for symbol := range c.Symbols {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}
