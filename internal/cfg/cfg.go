package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds service-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	WebhookURL            string
	WebhookSecret         string
	ClaudeAPIKey          string
	ClaudeModel           string

	ScreeningHorizonDays      int
	ScreeningVolumeKm         float64
	ScreeningStepSeconds      int
	ScreeningAltitudeWindowKm float64
	ScreeningParallelism      int
	DedupWindowHours          int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token clients must present on API requests")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.WebhookURL, "webhook-url", "", "endpoint for signed conjunction change notifications (empty = disabled)")
	fs.StringVar(&c.WebhookSecret, "webhook-secret", "", "HMAC secret for signing webhook payloads")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for event summaries (empty = summaries disabled)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model for event summaries")
	fs.IntVar(&c.ScreeningHorizonDays, "screening-horizon-days", 7, "default screening search horizon in days (1..14)")
	fs.Float64Var(&c.ScreeningVolumeKm, "screening-volume-km", 10, "default reporting volume: refined miss distance cutoff in km")
	fs.IntVar(&c.ScreeningStepSeconds, "screening-step-seconds", 120, "coarse sampling step in seconds (1..3600)")
	fs.Float64Var(&c.ScreeningAltitudeWindowKm, "screening-altitude-window-km", 200, "skip secondaries outside this altitude band around the primary, in km")
	fs.IntVar(&c.ScreeningParallelism, "screening-parallelism", 8, "catalog objects screened concurrently (1..64)")
	fs.IntVar(&c.DedupWindowHours, "dedup-window-hours", 6, "TCA tolerance window for matching updates to open events (1..48)")
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

	// The API is never served unauthenticated
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// Webhook signing is mandatory when dispatch is enabled
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required when WEBHOOK_URL is set"))
	}

	// Summaries are optional, but an enabled client needs a model
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if c.ScreeningHorizonDays <= 0 || c.ScreeningHorizonDays > 14 {
		errs = append(errs, fmt.Errorf("invalid SCREENING_HORIZON_DAYS %d (must be 1..14)", c.ScreeningHorizonDays))
	}
	if c.ScreeningVolumeKm <= 0 {
		errs = append(errs, fmt.Errorf("invalid SCREENING_VOLUME_KM %g (must be positive)", c.ScreeningVolumeKm))
	}
	if c.ScreeningStepSeconds <= 0 || c.ScreeningStepSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid SCREENING_STEP_SECONDS %d (must be 1..3600)", c.ScreeningStepSeconds))
	}
	if c.ScreeningAltitudeWindowKm <= 0 {
		errs = append(errs, fmt.Errorf("invalid SCREENING_ALTITUDE_WINDOW_KM %g (must be positive)", c.ScreeningAltitudeWindowKm))
	}
	if c.ScreeningParallelism <= 0 || c.ScreeningParallelism > 64 {
		errs = append(errs, fmt.Errorf("invalid SCREENING_PARALLELISM %d (must be 1..64)", c.ScreeningParallelism))
	}
	if c.DedupWindowHours <= 0 || c.DedupWindowHours > 48 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_WINDOW_HOURS %d (must be 1..48)", c.DedupWindowHours))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
