// Package config resolves runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures everything satgated reads at startup.
type Config struct {
	ListenAddress string
	Environment   string
	LogLevel      string

	DatabasePath    string
	RefundCachePath string

	UpstreamBaseURL string
	UpstreamAPIKey  string
	CatalogPath     string

	WalletURL     string
	WalletTimeout time.Duration
	Mints         []string

	AdminPassword   string
	AdminJWTSecret  string
	AdminTokenTTL   time.Duration

	PriceRefreshInterval time.Duration
	PriceStaleThreshold  time.Duration

	ProcessingFeeMsat    int64
	FeeMultiplier        float64
	RefundTTL            time.Duration
	ReservationGrace     time.Duration

	AnnouncementKey      string
	AnnouncementRelays   []string
	AnnouncementInterval time.Duration
	InstanceName         string
	InstanceURLs         []string
	ProviderID           string

	ProxyRequestsPerMinute   float64
	BalanceRequestsPerMinute float64

	OTLPEndpoint string
	OTLPInsecure bool
	OTLPHeaders  string
}

const (
	envListen          = "SATGATE_LISTEN"
	envEnvironment     = "SATGATE_ENV"
	envLogLevel        = "SATGATE_LOG_LEVEL"
	envDBPath          = "SATGATE_DB"
	envRefundCache     = "SATGATE_REFUND_CACHE"
	envUpstreamURL     = "SATGATE_UPSTREAM_URL"
	envUpstreamKey     = "SATGATE_UPSTREAM_API_KEY"
	envCatalogPath     = "SATGATE_CATALOG"
	envWalletURL       = "SATGATE_WALLET_URL"
	envWalletTimeout   = "SATGATE_WALLET_TIMEOUT"
	envMints           = "SATGATE_MINTS"
	envAdminPassword   = "SATGATE_ADMIN_PASSWORD"
	envAdminJWTSecret  = "SATGATE_ADMIN_JWT_SECRET"
	envAdminTokenTTL   = "SATGATE_ADMIN_TOKEN_TTL"
	envPriceRefresh    = "SATGATE_PRICE_REFRESH"
	envPriceStale      = "SATGATE_PRICE_STALE"
	envProcessingFee   = "SATGATE_PROCESSING_FEE_MSAT"
	envFeeMultiplier   = "SATGATE_FEE_MULTIPLIER"
	envRefundTTL       = "SATGATE_REFUND_TTL"
	envReserveGrace    = "SATGATE_RESERVATION_GRACE"
	envAnnounceKey     = "SATGATE_ANNOUNCE_KEY"
	envAnnounceRelays  = "SATGATE_RELAYS"
	envAnnounceEvery   = "SATGATE_ANNOUNCE_INTERVAL"
	envInstanceName    = "SATGATE_NAME"
	envInstanceURLs    = "SATGATE_URLS"
	envProviderID      = "SATGATE_PROVIDER_ID"
	envProxyPerMinute  = "SATGATE_PROXY_RPM"
	envBalancePerMin   = "SATGATE_BALANCE_RPM"
	envOTLPEndpoint    = "SATGATE_OTLP_ENDPOINT"
	envOTLPInsecure    = "SATGATE_OTLP_INSECURE"
	envOTLPHeaders     = "SATGATE_OTLP_HEADERS"
)

// LoadFromEnv resolves configuration with sane defaults. The upstream base
// URL is the one hard requirement.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddress: getenvDefault(envListen, ":8080"),
		Environment:   getenvDefault(envEnvironment, "dev"),
		LogLevel:      getenvDefault(envLogLevel, "info"),

		DatabasePath:    getenvDefault(envDBPath, "satgate.db"),
		RefundCachePath: os.Getenv(envRefundCache),

		UpstreamBaseURL: os.Getenv(envUpstreamURL),
		UpstreamAPIKey:  os.Getenv(envUpstreamKey),
		CatalogPath:     os.Getenv(envCatalogPath),

		WalletURL:     getenvDefault(envWalletURL, "http://127.0.0.1:4448"),
		WalletTimeout: parseDurationDefault(envWalletTimeout, 30*time.Second),
		Mints:         splitList(os.Getenv(envMints)),

		AdminPassword:  os.Getenv(envAdminPassword),
		AdminJWTSecret: os.Getenv(envAdminJWTSecret),
		AdminTokenTTL:  parseDurationDefault(envAdminTokenTTL, time.Hour),

		PriceRefreshInterval: parseDurationDefault(envPriceRefresh, time.Minute),
		PriceStaleThreshold:  parseDurationDefault(envPriceStale, 10*time.Minute),

		ProcessingFeeMsat: parseInt64Default(envProcessingFee, 1000),
		FeeMultiplier:     parseFloatDefault(envFeeMultiplier, 1.01),
		RefundTTL:         parseDurationDefault(envRefundTTL, 5*time.Minute),
		ReservationGrace:  parseDurationDefault(envReserveGrace, 15*time.Minute),

		AnnouncementKey:      os.Getenv(envAnnounceKey),
		AnnouncementRelays:   splitList(os.Getenv(envAnnounceRelays)),
		AnnouncementInterval: parseDurationDefault(envAnnounceEvery, 24*time.Hour),
		InstanceName:         getenvDefault(envInstanceName, "satgate"),
		InstanceURLs:         splitList(os.Getenv(envInstanceURLs)),
		ProviderID:           os.Getenv(envProviderID),

		ProxyRequestsPerMinute:   parseFloatDefault(envProxyPerMinute, 300),
		BalanceRequestsPerMinute: parseFloatDefault(envBalancePerMin, 60),

		OTLPEndpoint: os.Getenv(envOTLPEndpoint),
		OTLPInsecure: strings.EqualFold(strings.TrimSpace(os.Getenv(envOTLPInsecure)), "true"),
		OTLPHeaders:  os.Getenv(envOTLPHeaders),
	}

	if cfg.UpstreamBaseURL == "" && cfg.CatalogPath == "" {
		return nil, fmt.Errorf("%s or %s is required", envUpstreamURL, envCatalogPath)
	}
	if cfg.AdminPassword != "" && cfg.AdminJWTSecret == "" {
		return nil, fmt.Errorf("%s is required when %s is set", envAdminJWTSecret, envAdminPassword)
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func parseDurationDefault(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func parseInt64Default(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func parseFloatDefault(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
