// Package config centralises runtime configuration for the marlin connectivity core.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantfold/marlin/internal/telemetry"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Credentials captures API credentials used for authenticated requests.
// MARLIN_API_KEY and MARLIN_API_SECRET override file values.
type Credentials struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// VenueSettings aggregates transport and credential configuration for the venue.
type VenueSettings struct {
	RESTURL            string        `yaml:"restURL"`
	MarketWSURL        string        `yaml:"marketWSURL"`
	AccountWSURL       string        `yaml:"accountWSURL"`
	Credentials        Credentials   `yaml:"credentials"`
	HTTPTimeout        time.Duration `yaml:"httpTimeout"`
	HandshakeTimeout   time.Duration `yaml:"handshakeTimeout"`
	PingInterval       time.Duration `yaml:"pingInterval"`
	CancelOnDisconnect bool          `yaml:"cancelOnDisconnect"`
}

// ReconciliationSettings tune the guard that infers cancellations from
// full-list absences. These are policy constants, calibrated empirically.
type ReconciliationSettings struct {
	GracePeriod       time.Duration `yaml:"gracePeriod"`
	StatusQuietWindow time.Duration `yaml:"statusQuietWindow"`
	TerminalRetention time.Duration `yaml:"terminalRetention"`
}

// BookSettings tune the order book engine.
type BookSettings struct {
	Depth          int `yaml:"depth"`
	ChecksumLevels int `yaml:"checksumLevels"`
}

// JournalSettings configure the optional order-event journal.
type JournalSettings struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Settings is the full marlin configuration tree.
type Settings struct {
	Environment    Environment            `yaml:"environment"`
	LogLevel       string                 `yaml:"logLevel"`
	Instruments    []string               `yaml:"instruments"`
	Venue          VenueSettings          `yaml:"venue"`
	Reconciliation ReconciliationSettings `yaml:"reconciliation"`
	Book           BookSettings           `yaml:"book"`
	Journal        JournalSettings        `yaml:"journal"`
	Telemetry      telemetry.Config       `yaml:"telemetry"`
}

// Default returns the default marlin configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		LogLevel:    "info",
		Venue: VenueSettings{
			RESTURL:          "https://api.valr.com",
			MarketWSURL:      "wss://api.valr.com/ws/trade",
			AccountWSURL:     "wss://api.valr.com/ws/account",
			HTTPTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Reconciliation: ReconciliationSettings{
			GracePeriod:       5 * time.Second,
			StatusQuietWindow: 10 * time.Second,
			TerminalRetention: 2 * time.Minute,
		},
		Book: BookSettings{
			Depth:          0,
			ChecksumLevels: 25,
		},
	}
}

// Load reads Settings from path, layering file values over defaults and
// environment credential overrides over the file.
func Load(path string) (Settings, error) {
	settings := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&settings)
			return settings, nil
		}
		return Settings{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(&settings)
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func applyEnvOverrides(settings *Settings) {
	if key := strings.TrimSpace(os.Getenv("MARLIN_API_KEY")); key != "" {
		settings.Venue.Credentials.APIKey = key
	}
	if secret := strings.TrimSpace(os.Getenv("MARLIN_API_SECRET")); secret != "" {
		settings.Venue.Credentials.APISecret = secret
	}
	if dsn := strings.TrimSpace(os.Getenv("MARLIN_JOURNAL_DSN")); dsn != "" {
		settings.Journal.DSN = dsn
		settings.Journal.Enabled = true
	}
}

// Validate rejects configurations the connector cannot run with.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Venue.RESTURL) == "" {
		return fmt.Errorf("config: venue restURL required")
	}
	if strings.TrimSpace(s.Venue.MarketWSURL) == "" {
		return fmt.Errorf("config: venue marketWSURL required")
	}
	if strings.TrimSpace(s.Venue.AccountWSURL) == "" {
		return fmt.Errorf("config: venue accountWSURL required")
	}
	if s.Venue.PingInterval <= 0 {
		return fmt.Errorf("config: pingInterval must be positive")
	}
	if s.Reconciliation.GracePeriod <= 0 {
		return fmt.Errorf("config: reconciliation gracePeriod must be positive")
	}
	if s.Journal.Enabled && strings.TrimSpace(s.Journal.DSN) == "" {
		return fmt.Errorf("config: journal enabled without dsn")
	}
	for _, instrument := range s.Instruments {
		if !strings.Contains(instrument, "-") {
			return fmt.Errorf("config: instrument %q must use BASE-QUOTE form", instrument)
		}
	}
	return nil
}
