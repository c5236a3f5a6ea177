package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"

	"github.com/linnemanlabs/idswatch/internal/aggregate"
	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/authmw"
)

// Live channel transports.
const (
	LiveWebSocket = "websocket"
	LiveRedis     = "redis"
	LiveNone      = "none"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	SourceURL             string
	FetchTimeout          time.Duration
	PollInterval          time.Duration
	LiveMode              string
	LiveURL               string
	LiveReconnectInterval time.Duration
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RedisChannel          string

	DatabaseURL     string
	DBSlowQuery     time.Duration
	SlackWebhookURL string
	SlackMinSev     string
	APIToken        string
	KBFile          string

	TopSources              int
	TopSourcesOrder         string
	TimelineBucket          time.Duration
	StrictStatusTransitions bool
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.SourceURL, "source-url", "", "source of record URL returning {count, alerts}")
	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", 10*time.Second, "timeout for one source of record fetch")
	fs.DurationVar(&c.PollInterval, "poll-interval", 5*time.Second, "polling interval when the live channel is unavailable")
	fs.StringVar(&c.LiveMode, "live-mode", LiveWebSocket, "live channel transport (websocket|redis|none)")
	fs.StringVar(&c.LiveURL, "live-url", "", "WebSocket URL of the live channel (live-mode=websocket)")
	fs.DurationVar(&c.LiveReconnectInterval, "live-reconnect-interval", 0, "interval between live channel reconnect attempts while polling (0 = stay polling)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "127.0.0.1:6379", "Redis address (live-mode=redis)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.StringVar(&c.RedisChannel, "redis-channel", "idswatch:alerts", "Redis pub/sub channel carrying alerts")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the status audit log (empty = in-memory store)")
	fs.DurationVar(&c.DBSlowQuery, "db-slow-query", 0, "log successful queries only when slower than this (0 = log all)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for escalation notifications")
	fs.StringVar(&c.SlackMinSev, "slack-min-severity", string(alert.SeverityHigh), "lowest incident severity sent to Slack (low|medium|high)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer tokens for mutating API calls, comma-separated name:token pairs (empty = open)")
	fs.StringVar(&c.KBFile, "kb-file", "", "technique knowledge base YAML file (empty = built-in)")

	fs.IntVar(&c.TopSources, "top-sources", 5, "number of top source addresses reported (0 = all)")
	fs.StringVar(&c.TopSourcesOrder, "top-sources-order", string(aggregate.FirstSeen), "top sources ordering (first-seen|count)")
	fs.DurationVar(&c.TimelineBucket, "timeline-bucket", aggregate.DefaultBucket, "width of timeline buckets")
	fs.BoolVar(&c.StrictStatusTransitions, "strict-status-transitions", false, "reject status transitions back toward new")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Source of record
	if c.SourceURL == "" {
		errs = append(errs, errors.New("SOURCE_URL is required"))
	} else if err := checkURL(c.SourceURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("invalid SOURCE_URL: %w", err))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid FETCH_TIMEOUT %s (must be > 0)", c.FetchTimeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid POLL_INTERVAL %s (must be > 0)", c.PollInterval))
	}
	if c.LiveReconnectInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid LIVE_RECONNECT_INTERVAL %s (must be >= 0)", c.LiveReconnectInterval))
	}

	// Live channel
	switch c.LiveMode {
	case LiveWebSocket:
		if c.LiveURL == "" {
			errs = append(errs, errors.New("LIVE_URL is required when LIVE_MODE is websocket"))
		} else if err := checkURL(c.LiveURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("invalid LIVE_URL: %w", err))
		}
	case LiveRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when LIVE_MODE is redis"))
		}
		if c.RedisChannel == "" {
			errs = append(errs, errors.New("REDIS_CHANNEL is required when LIVE_MODE is redis"))
		}
		if c.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
		}
	case LiveNone:
	default:
		errs = append(errs, fmt.Errorf("invalid LIVE_MODE %q (must be websocket, redis or none)", c.LiveMode))
	}

	// Notifications, auth and derived views
	if _, err := alert.ParseSeverity(c.SlackMinSev); err != nil {
		errs = append(errs, fmt.Errorf("invalid SLACK_MIN_SEVERITY: %w", err))
	}
	if _, err := authmw.ParseTokens(c.APIToken); err != nil {
		errs = append(errs, fmt.Errorf("invalid API_TOKEN: %w", err))
	}
	if c.TopSources < 0 {
		errs = append(errs, fmt.Errorf("invalid TOP_SOURCES %d (must be >= 0)", c.TopSources))
	}
	if _, err := aggregate.ParseSourceOrder(c.TopSourcesOrder); err != nil {
		errs = append(errs, fmt.Errorf("invalid TOP_SOURCES_ORDER: %w", err))
	}
	if c.TimelineBucket <= 0 {
		errs = append(errs, fmt.Errorf("invalid TIMELINE_BUCKET %s (must be > 0)", c.TimelineBucket))
	}
	if c.DBSlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY %s (must be >= 0)", c.DBSlowQuery))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// AggregateOptions returns the summary options selected by the flags.
// Call after Validate.
func (c *Config) AggregateOptions() aggregate.Options {
	order, _ := aggregate.ParseSourceOrder(c.TopSourcesOrder)
	return aggregate.Options{
		Bucket:      c.TimelineBucket,
		TopSources:  c.TopSources,
		SourceOrder: order,
	}
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%q must use scheme %v", raw, schemes)
}
