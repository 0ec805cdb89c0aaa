package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// API holds the upstream endpoints warmctl talks to.
type API struct {
	StorageBase string // storage/inventory API base, e.g. https://api-storage.arkturian.com
	CatalogBase string // product catalog API base
	ProxyBase   string // image proxy endpoint (renders + caches derivatives)
	Key         string // X-API-Key value sent on every request
	Collection  string // collection kept during ID-range scans
}

// Warm configures the dispatch engine.
type Warm struct {
	Concurrency       int           // worker pool size
	MaxAttempts       int           // per-descriptor attempt cap
	RetryableStatuses []int         // HTTP statuses retried immediately
	Backoff           time.Duration // sleep before retrying transport faults
	EmbedTimeout      time.Duration // per-call timeout for embed triggers
	ImageTimeout      time.Duration // per-call timeout for image warms
	ProgressEvery     int           // progress report cadence in outcomes
}

// Ledger configures the optional Postgres run ledger.
type Ledger struct {
	DSN string // empty disables the ledger
}

// DLQ configures dead-letter publishing of terminal failures.
type DLQ struct {
	NsqdTCPAddr string // e.g. nsqd:4150
	Topic       string
	Publish     bool
}

// Metrics configures the /metrics + /healthz endpoint served during a run.
type Metrics struct {
	Enabled bool
	Addr    string // e.g. :8084
}

type Config struct {
	AppName string
	API     API
	Warm    Warm
	Ledger  Ledger
	DLQ     DLQ
	Metrics Metrics
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseStatusList parses a comma-separated HTTP status list like "502,504".
func parseStatusList(list string) []int {
	if list == "" {
		return []int{502, 504}
	}

	parts := strings.Split(list, ",")
	statuses := make([]int, 0, len(parts))
	for _, part := range parts {
		if s, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			statuses = append(statuses, s)
		}
	}

	if len(statuses) == 0 {
		return []int{502, 504}
	}
	return statuses
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "warmctl"),
		API: API{
			StorageBase: getenv("STORAGE_API_BASE", "https://api-storage.arkturian.com"),
			CatalogBase: getenv("CATALOG_API_BASE", "https://oneal-api.arkturian.com/v1"),
			ProxyBase:   getenv("IMAGE_PROXY_BASE", "https://share.arkturian.com/proxy.php"),
			Key:         getenv("WARMCTL_API_KEY", getenv("API_KEY", "oneal_demo_token")),
			Collection:  getenv("CATALOG_COLLECTION", "oneal_catalog"),
		},
		Warm: Warm{
			Concurrency:       getenvInt("WARM_CONCURRENCY", 3),
			MaxAttempts:       getenvInt("MAX_ATTEMPTS", 3),
			RetryableStatuses: parseStatusList(getenv("RETRYABLE_STATUSES", "")),
			Backoff:           getenvDuration("RETRY_BACKOFF", time.Second),
			EmbedTimeout:      getenvDuration("EMBED_TIMEOUT", 120*time.Second),
			ImageTimeout:      getenvDuration("IMAGE_TIMEOUT", 60*time.Second),
			ProgressEvery:     getenvInt("PROGRESS_EVERY", 10),
		},
		Ledger: Ledger{
			DSN: getenv("LEDGER_DSN", ""),
		},
		DLQ: DLQ{
			NsqdTCPAddr: getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			Topic:       getenv("NSQ_DLQ_TOPIC", "warm_failures"),
			Publish:     getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Metrics: Metrics{
			Enabled: getenvBool("METRICS_ENABLED", false),
			Addr:    ":" + getenv("METRICS_PORT", "8084"),
		},
	}
}
