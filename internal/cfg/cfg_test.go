package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:              60,
		ShutdownBudgetSeconds:     90,
		APIPort:                   8080,
		APIToken:                  "test-token-123",
		ClaudeAPIKey:              "sk-test-key",
		ClaudeModel:               "claude-sonnet-4-20250514",
		ScreeningHorizonDays:      7,
		ScreeningVolumeKm:         10,
		ScreeningStepSeconds:      120,
		ScreeningAltitudeWindowKm: 200,
		ScreeningParallelism:      8,
		DedupWindowHours:          6,
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
	if c.ClaudeModel != "claude-sonnet-4-20250514" {
		t.Errorf("ClaudeModel = %q, want %q", c.ClaudeModel, "claude-sonnet-4-20250514")
	}
	if c.ScreeningHorizonDays != 7 {
		t.Errorf("ScreeningHorizonDays = %d, want 7", c.ScreeningHorizonDays)
	}
	if c.ScreeningVolumeKm != 10 {
		t.Errorf("ScreeningVolumeKm = %g, want 10", c.ScreeningVolumeKm)
	}
	if c.ScreeningStepSeconds != 120 {
		t.Errorf("ScreeningStepSeconds = %d, want 120", c.ScreeningStepSeconds)
	}
	if c.DedupWindowHours != 6 {
		t.Errorf("DedupWindowHours = %d, want 6", c.DedupWindowHours)
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
		"-api-token", "tok-override",
		"-database-url", "postgres://localhost/perigee",
		"-webhook-url", "https://ops.example.com/hook",
		"-webhook-secret", "hush",
		"-screening-horizon-days", "14",
		"-screening-volume-km", "25",
		"-dedup-window-hours", "12",
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
	if c.APIToken != "tok-override" {
		t.Errorf("APIToken = %q, want %q", c.APIToken, "tok-override")
	}
	if c.DatabaseURL != "postgres://localhost/perigee" {
		t.Errorf("DatabaseURL = %q, want %q", c.DatabaseURL, "postgres://localhost/perigee")
	}
	if c.WebhookURL != "https://ops.example.com/hook" {
		t.Errorf("WebhookURL = %q, want %q", c.WebhookURL, "https://ops.example.com/hook")
	}
	if c.ScreeningHorizonDays != 14 {
		t.Errorf("ScreeningHorizonDays = %d, want 14", c.ScreeningHorizonDays)
	}
	if c.ScreeningVolumeKm != 25 {
		t.Errorf("ScreeningVolumeKm = %g, want 25", c.ScreeningVolumeKm)
	}
	if c.DedupWindowHours != 12 {
		t.Errorf("DedupWindowHours = %d, want 12", c.DedupWindowHours)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name: "minimum valid values",
			mutate: func(c *Config) {
				c.DrainSeconds = 1
				c.ShutdownBudgetSeconds = 2
				c.APIPort = 1
				c.ScreeningHorizonDays = 1
				c.ScreeningStepSeconds = 1
				c.ScreeningParallelism = 1
				c.DedupWindowHours = 1
			},
			wantErr: false,
		},
		{
			name: "maximum valid values",
			mutate: func(c *Config) {
				c.DrainSeconds = 299
				c.ShutdownBudgetSeconds = 300
				c.APIPort = 65535
				c.ScreeningHorizonDays = 14
				c.ScreeningStepSeconds = 3600
				c.ScreeningParallelism = 64
				c.DedupWindowHours = 48
			},
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			mutate:    func(c *Config) { c.DrainSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain negative",
			mutate:    func(c *Config) { c.DrainSeconds = -1 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name: "drain above max",
			mutate: func(c *Config) {
				c.DrainSeconds = 301
				c.ShutdownBudgetSeconds = 302
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name: "budget equals drain",
			mutate: func(c *Config) {
				c.DrainSeconds = 60
				c.ShutdownBudgetSeconds = 60
			},
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name: "budget less than drain",
			mutate: func(c *Config) {
				c.DrainSeconds = 60
				c.ShutdownBudgetSeconds = 30
			},
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		// APIPort boundaries
		{
			name:      "port zero",
			mutate:    func(c *Config) { c.APIPort = 0 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			mutate:    func(c *Config) { c.APIPort = 65536 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Required and conditional string fields
		{
			name:      "empty api token",
			mutate:    func(c *Config) { c.APIToken = "" },
			wantErr:   true,
			errSubstr: []string{"API_TOKEN"},
		},
		{
			name: "webhook url without secret",
			mutate: func(c *Config) {
				c.WebhookURL = "https://ops.example.com/hook"
				c.WebhookSecret = ""
			},
			wantErr:   true,
			errSubstr: []string{"WEBHOOK_SECRET"},
		},
		{
			name: "webhook url with secret",
			mutate: func(c *Config) {
				c.WebhookURL = "https://ops.example.com/hook"
				c.WebhookSecret = "hush"
			},
			wantErr: false,
		},
		{
			name: "claude key without model",
			mutate: func(c *Config) {
				c.ClaudeAPIKey = "sk-k"
				c.ClaudeModel = ""
			},
			wantErr:   true,
			errSubstr: []string{"CLAUDE_MODEL"},
		},
		{
			name: "no claude key disables summaries",
			mutate: func(c *Config) {
				c.ClaudeAPIKey = ""
				c.ClaudeModel = ""
			},
			wantErr: false,
		},
		// Screening parameters
		{
			name:      "horizon zero",
			mutate:    func(c *Config) { c.ScreeningHorizonDays = 0 },
			wantErr:   true,
			errSubstr: []string{"SCREENING_HORIZON_DAYS"},
		},
		{
			name:      "horizon above envelope",
			mutate:    func(c *Config) { c.ScreeningHorizonDays = 15 },
			wantErr:   true,
			errSubstr: []string{"SCREENING_HORIZON_DAYS"},
		},
		{
			name:      "volume zero",
			mutate:    func(c *Config) { c.ScreeningVolumeKm = 0 },
			wantErr:   true,
			errSubstr: []string{"SCREENING_VOLUME_KM"},
		},
		{
			name:      "negative altitude window",
			mutate:    func(c *Config) { c.ScreeningAltitudeWindowKm = -5 },
			wantErr:   true,
			errSubstr: []string{"SCREENING_ALTITUDE_WINDOW_KM"},
		},
		{
			name:      "step above max",
			mutate:    func(c *Config) { c.ScreeningStepSeconds = 3601 },
			wantErr:   true,
			errSubstr: []string{"SCREENING_STEP_SECONDS"},
		},
		{
			name:      "parallelism above max",
			mutate:    func(c *Config) { c.ScreeningParallelism = 65 },
			wantErr:   true,
			errSubstr: []string{"SCREENING_PARALLELISM"},
		},
		{
			name:      "dedup window zero",
			mutate:    func(c *Config) { c.DedupWindowHours = 0 },
			wantErr:   true,
			errSubstr: []string{"DEDUP_WINDOW_HOURS"},
		},
		{
			name:      "dedup window above max",
			mutate:    func(c *Config) { c.DedupWindowHours = 49 },
			wantErr:   true,
			errSubstr: []string{"DEDUP_WINDOW_HOURS"},
		},
		// Error accumulation: several fields invalid at once
		{
			name: "multiple fields invalid",
			mutate: func(c *Config) {
				c.DrainSeconds = 0
				c.ShutdownBudgetSeconds = 0
				c.APIPort = 0
				c.APIToken = ""
				c.ScreeningHorizonDays = 0
				c.DedupWindowHours = 0
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "API_TOKEN", "SCREENING_HORIZON_DAYS", "DEDUP_WINDOW_HOURS"},
		},
		// Extreme values
		{
			name: "extreme negative values",
			mutate: func(c *Config) {
				c.DrainSeconds = math.MinInt32
				c.ShutdownBudgetSeconds = math.MinInt32
				c.APIPort = math.MinInt32
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase()
			tt.mutate(&c)
			err := c.Validate()
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
		drain, budget, port, horizon, window int
		token                                string
	}{
		{60, 90, 8080, 7, 6, "tok"},
		{1, 2, 1, 1, 1, "t"},
		{299, 300, 65535, 14, 48, "t"},
		{0, 0, 0, 0, 0, ""},
		{-1, -1, -1, -1, -1, ""},
		{301, 302, 65536, 15, 49, ""},
		{150, 100, 8080, 7, 6, "t"},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.horizon, s.window, s.token)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, horizon, window int, token string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.ScreeningHorizonDays = horizon
		c.DedupWindowHours = window
		c.APIToken = token
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		horizonOK := horizon >= 1 && horizon <= 14
		windowOK := window >= 1 && window <= 48
		tokenOK := token != ""

		allValid := drainOK && budgetOK && portOK && crossOK && horizonOK && windowOK && tokenOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
