package btrack

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// maxConfigSize bounds configuration files read by LoadConfig
const maxConfigSize = 1 << 20

// Config is the full tracker configuration.
type Config struct {
	Name string `json:"name"`
	// Engine version the configuration was written for, empty to skip the check
	Version         string           `json:"version,omitempty"`
	MotionModel     *MotionModel     `json:"motion_model"`
	ObjectModel     *ObjectModel     `json:"object_model,omitempty"`
	HypothesisModel *HypothesisModel `json:"hypothesis_model,omitempty"`
	// Largest distance between a prediction and an object that can be assigned
	MaxSearchRadius float64 `json:"max_search_radius"`
	// Imaging volume, derived from the data when nil
	Volume       *ImagingVolume `json:"volume,omitempty"`
	UpdateMethod UpdateMethod   `json:"update_method"`
	// Keep the Kalman filter history of every tracklet
	ReturnKalman     bool             `json:"return_kalman"`
	OptimiserOptions OptimiserOptions `json:"optimizer_options"`
}

// DefaultConfig returns a constant velocity configuration without object or hypothesis model
func DefaultConfig() *Config {
	motion := NewConstantVelocityModel(1.0, 150.0, 15.0, 5.0)
	return &Config{
		Name:            "default",
		MotionModel:     &motion,
		MaxSearchRadius: 50.0,
		UpdateMethod:    UpdateExact,
	}
}

// LoadConfig loads a configuration from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, errors.Wrapf(ErrConfiguration, "config file must have .json extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat config file")
	}
	if fileInfo.Size() > maxConfigSize {
		return nil, errors.Wrapf(ErrConfiguration, "config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "failed to parse config JSON: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Validate checks every model of the configuration
func (cfg *Config) Validate() error {
	if cfg.MotionModel == nil {
		return errors.Wrap(ErrConfiguration, "motion model has not been specified")
	}
	if err := cfg.MotionModel.Validate(); err != nil {
		return errors.Wrap(err, "motion model")
	}
	if cfg.ObjectModel != nil {
		if err := cfg.ObjectModel.Validate(); err != nil {
			return errors.Wrap(err, "object model")
		}
	}
	if cfg.HypothesisModel != nil {
		if err := cfg.HypothesisModel.Validate(); err != nil {
			return errors.Wrap(err, "hypothesis model")
		}
	}
	if cfg.MaxSearchRadius <= 0 {
		return errors.Wrapf(ErrConfiguration, "max_search_radius must be positive, got %f", cfg.MaxSearchRadius)
	}
	if cfg.Volume != nil {
		for name, axis := range map[string]Interval{"x": cfg.Volume.X, "y": cfg.Volume.Y, "z": cfg.Volume.Z} {
			if axis.Lo > axis.Hi {
				return errors.Wrapf(ErrConfiguration, "volume %s axis is empty: [%f, %f]", name, axis.Lo, axis.Hi)
			}
		}
	}
	if cfg.OptimiserOptions.TimeLimit < 0 || cfg.OptimiserOptions.MaxNodes < 0 || cfg.OptimiserOptions.Workers < 0 {
		return errors.Wrap(ErrConfiguration, "optimizer options must not be negative")
	}
	return nil
}

// clone returns a deep copy so that the engine never shares models with the caller
func (cfg *Config) clone() *Config {
	out := *cfg
	if cfg.MotionModel != nil {
		motion := *cfg.MotionModel
		motion.A = append([]float64(nil), motion.A...)
		motion.H = append([]float64(nil), motion.H...)
		motion.P = append([]float64(nil), motion.P...)
		motion.Q = append([]float64(nil), motion.Q...)
		motion.R = append([]float64(nil), motion.R...)
		out.MotionModel = &motion
	}
	if cfg.ObjectModel != nil {
		object := *cfg.ObjectModel
		object.Emission = append([]float64(nil), object.Emission...)
		object.Transition = append([]float64(nil), object.Transition...)
		object.Start = append([]float64(nil), object.Start...)
		if object.ApoptosisState != nil {
			state := *object.ApoptosisState
			object.ApoptosisState = &state
		}
		out.ObjectModel = &object
	}
	if cfg.HypothesisModel != nil {
		hypothesis := *cfg.HypothesisModel
		hypothesis.Hypotheses = append([]HypothesisType(nil), hypothesis.Hypotheses...)
		out.HypothesisModel = &hypothesis
	}
	if cfg.Volume != nil {
		volume := *cfg.Volume
		out.Volume = &volume
	}
	return &out
}

// Duration is a time.Duration that reads from JSON either as a string like
// "500ms" or as a number of nanoseconds.
type Duration time.Duration

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(ErrConfiguration, "invalid duration '%s'", value)
		}
		*d = Duration(parsed)
	default:
		return errors.Wrapf(ErrConfiguration, "invalid duration %s", string(data))
	}
	return nil
}
