package txmanager

import (
	"time"

	"github.com/bionicotaku/lingo-txscope/dbconn"
)

const defaultMeterName = "lingo-txscope.txmanager"

// Config controls default behaviour of the transaction manager component.
type Config struct {
	// DefaultIsolation accepts the SQL names or their snake/kebab forms.
	DefaultIsolation string `json:"defaultIsolation" yaml:"defaultIsolation"`
	// DefaultTimeout bounds owning transactions. Zero disables it.
	DefaultTimeout time.Duration `json:"defaultTimeout" yaml:"defaultTimeout"`
	MeterName      string        `json:"meterName" yaml:"meterName"`
	// MetricsEnabled defaults to true when unset.
	MetricsEnabled *bool `json:"metricsEnabled" yaml:"metricsEnabled"`
}

func (c Config) sanitized() Config {
	if c.DefaultIsolation == "" {
		c.DefaultIsolation = string(dbconn.DefaultIsolation)
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	if c.MeterName == "" {
		c.MeterName = defaultMeterName
	}
	if c.MetricsEnabled == nil {
		enabled := true
		c.MetricsEnabled = &enabled
	}
	return c
}

// Validate reports configuration values that cannot be used.
func (c Config) Validate() error {
	_, err := dbconn.ParseIsolation(c.DefaultIsolation)
	return err
}

// TxOptionPreset groups the most commonly used transaction presets derived from
// configuration defaults.
type TxOptionPreset struct {
	Default      TxOptions
	Serializable TxOptions
	ReadOnly     TxOptions
}

// BuildPresets builds the preset transaction options using the provided
// configuration values. An unparseable isolation falls back to READ COMMITTED.
func (c Config) BuildPresets() TxOptionPreset {
	cfg := c.sanitized()
	isolation, err := dbconn.ParseIsolation(cfg.DefaultIsolation)
	if err != nil {
		isolation = dbconn.DefaultIsolation
	}
	defaultOpt := TxOptions{
		Isolation:  isolation,
		AccessMode: ReadWrite,
		Timeout:    cfg.DefaultTimeout,
	}
	serializable := defaultOpt
	serializable.Isolation = Serializable

	readOnly := defaultOpt
	readOnly.AccessMode = ReadOnly

	return TxOptionPreset{
		Default:      defaultOpt,
		Serializable: serializable,
		ReadOnly:     readOnly,
	}
}
