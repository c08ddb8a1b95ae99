package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Tuning overrides ETA and throttle parameters from a YAML file. Only the
// keys present in the file are applied.
type Tuning struct {
	ArrivalRadiusM       *float64       `yaml:"arrival_radius_m" validate:"omitempty,gt=0"`
	DefaultSpeedMps      *float64       `yaml:"default_speed_mps" validate:"omitempty,gt=0"`
	MaxAccuracy          *time.Duration `yaml:"max_accuracy" validate:"omitempty,gte=0"`
	AccuracyFactor       *float64       `yaml:"accuracy_factor" validate:"omitempty,gte=0"`
	ApproachingWindow    *time.Duration `yaml:"approaching_window" validate:"omitempty,gt=0"`
	ETACacheTTL          *time.Duration `yaml:"eta_cache_ttl" validate:"omitempty,gt=0"`
	ThrottleInterval     *time.Duration `yaml:"throttle_interval" validate:"omitempty,gt=0"`
	ThrottleSpeedDelta   *float64       `yaml:"throttle_speed_delta_mps" validate:"omitempty,gte=0"`
	ThrottleHeadingDelta *float64       `yaml:"throttle_heading_delta_deg" validate:"omitempty,gte=0,lte=180"`
	ThrottleTTL          *time.Duration `yaml:"throttle_ttl" validate:"omitempty,gt=0"`
}

func LoadTuning(path string) (*Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tuning file: %w", err)
	}
	return ParseTuning(data)
}

func ParseTuning(data []byte) (*Tuning, error) {
	var t Tuning
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding tuning file: %w", err)
	}
	if err := validator.New().Struct(t); err != nil {
		return nil, fmt.Errorf("invalid tuning file: %w", err)
	}
	return &t, nil
}

func (t *Tuning) Apply(cfg *Config) {
	setFloat(&cfg.ArrivalRadius, t.ArrivalRadiusM)
	setFloat(&cfg.DefaultSpeed, t.DefaultSpeedMps)
	setDuration(&cfg.MaxAccuracy, t.MaxAccuracy)
	setFloat(&cfg.AccuracyFactor, t.AccuracyFactor)
	setDuration(&cfg.ApproachingWindow, t.ApproachingWindow)
	setDuration(&cfg.ETACacheTTL, t.ETACacheTTL)
	setDuration(&cfg.ThrottleInterval, t.ThrottleInterval)
	setFloat(&cfg.ThrottleSpeedDelta, t.ThrottleSpeedDelta)
	setFloat(&cfg.ThrottleHeadingDelta, t.ThrottleHeadingDelta)
	setDuration(&cfg.ThrottleTTL, t.ThrottleTTL)
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}
