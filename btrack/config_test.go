package btrack

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	motion, err := json.Marshal(NewConstantVelocityModel(1, 150, 15, 5))
	require.NoError(t, err)
	data := []byte(`{
		"name": "cell_config",
		"version": "0.6.5",
		"motion_model": ` + string(motion) + `,
		"hypothesis_model": {
			"name": "cell_hypothesis",
			"hypotheses": ["P_FP", "P_init", "P_term", "P_link", "P_branch", "P_dead"],
			"lambda_time": 5.0,
			"lambda_dist": 3.0,
			"lambda_link": 10.0,
			"lambda_branch": 50.0,
			"eta": 1e-10,
			"theta_dist": 20.0,
			"theta_time": 5.0,
			"dist_thresh": 40,
			"time_thresh": 2,
			"apop_thresh": 5,
			"segmentation_miss_rate": 0.1,
			"apoptosis_rate": 0.001,
			"relax": true
		},
		"max_search_radius": 100,
		"update_method": "APPROXIMATE",
		"optimizer_options": {"time_limit": "250ms", "max_nodes": 10000}
	}`)
	_, err = LoadConfig(writeConfig(t, "bad.json", data))
	assert.Error(t, err, "relax must be a number")

	data = []byte(`{
		"name": "cell_config",
		"version": "0.6.5",
		"motion_model": ` + string(motion) + `,
		"hypothesis_model": {
			"hypotheses": ["P_FP", "P_init", "P_term", "P_link", "P_branch", "P_dead"],
			"lambda_time": 5.0,
			"lambda_dist": 3.0,
			"lambda_link": 10.0,
			"lambda_branch": 50.0,
			"eta": 1e-10,
			"segmentation_miss_rate": 0.1,
			"apoptosis_rate": 0.001
		},
		"max_search_radius": 100,
		"volume": {"x": {"lo": 0, "hi": 1200}, "y": {"lo": 0, "hi": 1600}, "z": {"lo": -1, "hi": 1}},
		"update_method": "APPROXIMATE",
		"optimizer_options": {"time_limit": "250ms", "max_nodes": 10000}
	}`)
	cfg, err := LoadConfig(writeConfig(t, "cell_config.json", data))
	require.NoError(t, err)
	assert.Equal(t, "cell_config", cfg.Name)
	assert.Equal(t, UpdateApproximate, cfg.UpdateMethod)
	assert.Equal(t, 100.0, cfg.MaxSearchRadius)
	assert.Equal(t, Duration(250*time.Millisecond), cfg.OptimiserOptions.TimeLimit)
	assert.Equal(t, 10000, cfg.OptimiserOptions.MaxNodes)
	require.NotNil(t, cfg.HypothesisModel)
	assert.Len(t, cfg.HypothesisModel.Hypotheses, 6)
	assert.Equal(t, HypothesisApoptosis, cfg.HypothesisModel.Hypotheses[5])
	require.NotNil(t, cfg.Volume)
	assert.Equal(t, 1600.0, cfg.Volume.Y.Hi)
	assert.Nil(t, cfg.ObjectModel)
	assert.Equal(t, 6, cfg.MotionModel.States)
}

func TestLoadConfigRejects(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "config.yaml", []byte("name: x")))
	assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)

	_, err = LoadConfig(writeConfig(t, "broken.json", []byte("{")))
	assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)

	_, err = LoadConfig(writeConfig(t, "empty.json", []byte(`{"max_search_radius": 10}`)))
	assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	large := make([]byte, maxConfigSize+1)
	_, err = LoadConfig(writeConfig(t, "large.json", large))
	assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxSearchRadius = 0
	assert.True(t, errors.Is(cfg.Validate(), ErrConfiguration))

	cfg = DefaultConfig()
	cfg.Volume = &ImagingVolume{X: Interval{Lo: 10, Hi: 0}}
	assert.True(t, errors.Is(cfg.Validate(), ErrConfiguration))

	cfg = DefaultConfig()
	model := DefaultHypothesisModel()
	model.Eta = 0
	cfg.HypothesisModel = &model
	assert.True(t, errors.Is(cfg.Validate(), ErrConfiguration))

	cfg = DefaultConfig()
	cfg.OptimiserOptions.MaxNodes = -1
	assert.True(t, errors.Is(cfg.Validate(), ErrConfiguration))
}

func TestConfigCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ObjectModel = interphaseApoptosis()
	model := DefaultHypothesisModel()
	cfg.HypothesisModel = &model
	cp := cfg.clone()
	cp.MotionModel.A[0] = 42
	cp.ObjectModel.Start[0] = 0
	*cp.ObjectModel.ApoptosisState = 0
	cp.HypothesisModel.Hypotheses[0] = HypothesisMerge
	assert.Equal(t, 1.0, cfg.MotionModel.A[0])
	assert.Equal(t, 0.99, cfg.ObjectModel.Start[0])
	assert.Equal(t, 1, *cfg.ObjectModel.ApoptosisState)
	assert.Equal(t, HypothesisFalsePositive, cfg.HypothesisModel.Hypotheses[0])
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1.5s"`), &d))
	assert.Equal(t, Duration(1500*time.Millisecond), d)
	require.NoError(t, json.Unmarshal([]byte(`2000`), &d))
	assert.Equal(t, Duration(2000), d)
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	data, err := json.Marshal(Duration(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"1m0s"`, string(data))
}
