package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/idswatch/internal/aggregate"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		SourceURL:             "http://127.0.0.1:8000/alerts",
		FetchTimeout:          10 * time.Second,
		PollInterval:          5 * time.Second,
		LiveMode:              LiveWebSocket,
		LiveURL:               "ws://127.0.0.1:8000/ws",
		RedisAddr:             "127.0.0.1:6379",
		RedisChannel:          "idswatch:alerts",
		SlackMinSev:           "high",
		TopSources:            10,
		TopSourcesOrder:       "first-seen",
		TimelineBucket:        time.Minute,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %s, want 5s", c.PollInterval)
	}
	if c.LiveMode != LiveWebSocket {
		t.Errorf("LiveMode = %q, want %q", c.LiveMode, LiveWebSocket)
	}
	if c.LiveReconnectInterval != 0 {
		t.Errorf("LiveReconnectInterval = %s, want 0", c.LiveReconnectInterval)
	}
	if c.TimelineBucket != time.Minute {
		t.Errorf("TimelineBucket = %s, want 1m", c.TimelineBucket)
	}
	if c.TopSourcesOrder != "first-seen" {
		t.Errorf("TopSourcesOrder = %q, want first-seen", c.TopSourcesOrder)
	}
	if c.TopSources != 5 {
		t.Errorf("TopSources = %d, want 5", c.TopSources)
	}
	if c.StrictStatusTransitions {
		t.Error("StrictStatusTransitions = true, want false")
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-source-url", "https://ids.example/alerts",
		"-poll-interval", "2s",
		"-live-mode", "redis",
		"-redis-channel", "alerts",
		"-live-reconnect-interval", "30s",
		"-top-sources-order", "count",
		"-strict-status-transitions",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.SourceURL != "https://ids.example/alerts" {
		t.Errorf("SourceURL = %q", c.SourceURL)
	}
	if c.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %s, want 2s", c.PollInterval)
	}
	if c.LiveMode != LiveRedis || c.RedisChannel != "alerts" {
		t.Errorf("live = %q/%q", c.LiveMode, c.RedisChannel)
	}
	if c.LiveReconnectInterval != 30*time.Second {
		t.Errorf("LiveReconnectInterval = %s, want 30s", c.LiveReconnectInterval)
	}
	if !c.StrictStatusTransitions {
		t.Error("StrictStatusTransitions = false, want true")
	}
	if got := c.AggregateOptions().SourceOrder; got != aggregate.ByCount {
		t.Errorf("AggregateOptions().SourceOrder = %q, want %q", got, aggregate.ByCount)
	}
}

func with(mut func(*Config)) Config {
	c := validBase()
	mut(&c)
	return c
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name:    "minimum valid values",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1 }),
			wantErr: false,
		},
		{
			name:    "maximum valid values",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535 }),
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain negative",
			cfg:       with(func(c *Config) { c.DrainSeconds = -1 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 300, 300 }),
			wantErr: true, // budget must be greater than drain
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget zero",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:    "budget is drain plus one",
			cfg:     with(func(c *Config) { c.ShutdownBudgetSeconds = 61 }),
			wantErr: false,
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Source of record
		{
			name:      "missing source url",
			cfg:       with(func(c *Config) { c.SourceURL = "" }),
			wantErr:   true,
			errSubstr: []string{"SOURCE_URL is required"},
		},
		{
			name:      "source url wrong scheme",
			cfg:       with(func(c *Config) { c.SourceURL = "ftp://host/alerts" }),
			wantErr:   true,
			errSubstr: []string{"SOURCE_URL"},
		},
		{
			name:      "source url without host",
			cfg:       with(func(c *Config) { c.SourceURL = "http:///alerts" }),
			wantErr:   true,
			errSubstr: []string{"no host"},
		},
		{
			name:      "zero fetch timeout",
			cfg:       with(func(c *Config) { c.FetchTimeout = 0 }),
			wantErr:   true,
			errSubstr: []string{"FETCH_TIMEOUT"},
		},
		{
			name:      "zero poll interval",
			cfg:       with(func(c *Config) { c.PollInterval = 0 }),
			wantErr:   true,
			errSubstr: []string{"POLL_INTERVAL"},
		},
		{
			name:      "negative reconnect interval",
			cfg:       with(func(c *Config) { c.LiveReconnectInterval = -time.Second }),
			wantErr:   true,
			errSubstr: []string{"LIVE_RECONNECT_INTERVAL"},
		},
		// Live channel
		{
			name:      "websocket without url",
			cfg:       with(func(c *Config) { c.LiveURL = "" }),
			wantErr:   true,
			errSubstr: []string{"LIVE_URL is required"},
		},
		{
			name:      "websocket http scheme",
			cfg:       with(func(c *Config) { c.LiveURL = "http://127.0.0.1/ws" }),
			wantErr:   true,
			errSubstr: []string{"LIVE_URL"},
		},
		{
			name:    "redis mode",
			cfg:     with(func(c *Config) { c.LiveMode, c.LiveURL = LiveRedis, "" }),
			wantErr: false,
		},
		{
			name:      "redis without channel",
			cfg:       with(func(c *Config) { c.LiveMode, c.RedisChannel = LiveRedis, "" }),
			wantErr:   true,
			errSubstr: []string{"REDIS_CHANNEL"},
		},
		{
			name:      "redis negative db",
			cfg:       with(func(c *Config) { c.LiveMode, c.RedisDB = LiveRedis, -1 }),
			wantErr:   true,
			errSubstr: []string{"REDIS_DB"},
		},
		{
			name:    "no live channel",
			cfg:     with(func(c *Config) { c.LiveMode, c.LiveURL = LiveNone, "" }),
			wantErr: false,
		},
		{
			name:      "unknown live mode",
			cfg:       with(func(c *Config) { c.LiveMode = "sse" }),
			wantErr:   true,
			errSubstr: []string{"LIVE_MODE"},
		},
		// Notifications, auth, derived views
		{
			name:      "bad slack severity",
			cfg:       with(func(c *Config) { c.SlackMinSev = "critical" }),
			wantErr:   true,
			errSubstr: []string{"SLACK_MIN_SEVERITY"},
		},
		{
			name:    "named api tokens",
			cfg:     with(func(c *Config) { c.APIToken = "alice:t1,bob:t2" }),
			wantErr: false,
		},
		{
			name:      "bad api token",
			cfg:       with(func(c *Config) { c.APIToken = "alice:" }),
			wantErr:   true,
			errSubstr: []string{"API_TOKEN"},
		},
		{
			name:      "negative top sources",
			cfg:       with(func(c *Config) { c.TopSources = -1 }),
			wantErr:   true,
			errSubstr: []string{"TOP_SOURCES"},
		},
		{
			name:      "bad top sources order",
			cfg:       with(func(c *Config) { c.TopSourcesOrder = "random" }),
			wantErr:   true,
			errSubstr: []string{"TOP_SOURCES_ORDER"},
		},
		{
			name:      "zero timeline bucket",
			cfg:       with(func(c *Config) { c.TimelineBucket = 0 }),
			wantErr:   true,
			errSubstr: []string{"TIMELINE_BUCKET"},
		},
		{
			name:      "negative slow query",
			cfg:       with(func(c *Config) { c.DBSlowQuery = -time.Millisecond }),
			wantErr:   true,
			errSubstr: []string{"DB_SLOW_QUERY"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "SOURCE_URL", "FETCH_TIMEOUT", "POLL_INTERVAL", "LIVE_MODE", "SLACK_MIN_SEVERITY", "TIMELINE_BUCKET"},
		},
		// Extreme values
		{
			name: "extreme negative values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
			}),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port int
		source, mode, live  string
	}{
		{60, 90, 8080, "http://127.0.0.1:8000/alerts", "websocket", "ws://127.0.0.1/ws"},
		{1, 2, 1, "https://h/a", "none", ""},
		{299, 300, 65535, "http://h", "redis", ""},
		{0, 0, 0, "", "", ""},
		{-1, -1, -1, "::", "websocket", "::"},
		{300, 300, 65535, "http://h", "none", ""},
		{150, 100, 8080, "http://h", "websocket", "wss://h"},
		{math.MinInt32, math.MinInt32, math.MinInt32, "", "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, "", "", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.source, s.mode, s.live)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port int, source, mode, live string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.SourceURL = source
		c.LiveMode = mode
		c.LiveURL = live

		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		sourceOK := checkURL(source, "http", "https") == nil
		var liveOK bool
		switch mode {
		case LiveWebSocket:
			liveOK = checkURL(live, "ws", "wss") == nil
		case LiveRedis, LiveNone:
			liveOK = true
		}

		allValid := drainOK && budgetOK && portOK && crossOK && sourceOK && liveOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
