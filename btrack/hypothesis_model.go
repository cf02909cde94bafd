package btrack

import (
	"fmt"

	"github.com/pkg/errors"
)

// HypothesisType is the kind of lineage event a hypothesis proposes
type HypothesisType uint16

const (
	// HypothesisInitialize explains the start of a tracklet at the window start or the volume border
	HypothesisInitialize HypothesisType = iota
	// HypothesisTerminate explains the end of a tracklet at the window end
	HypothesisTerminate
	// HypothesisLink joins a predecessor to a successor
	HypothesisLink
	// HypothesisBranch is a division: one tracklet ends where two begin
	HypothesisBranch
	// HypothesisMerge is two tracklets ending where one begins
	HypothesisMerge
	// HypothesisApoptosis explains the end of a tracklet by cell death
	HypothesisApoptosis
	// HypothesisExtrude explains the end of a tracklet by leaving the volume
	HypothesisExtrude
	// HypothesisFalsePositive removes a short spurious tracklet
	HypothesisFalsePositive
)

var hypothesisNames = map[HypothesisType]string{
	HypothesisInitialize:    "P_init",
	HypothesisTerminate:     "P_term",
	HypothesisLink:          "P_link",
	HypothesisBranch:        "P_branch",
	HypothesisMerge:         "P_merge",
	HypothesisApoptosis:     "P_dead",
	HypothesisExtrude:       "P_extrude",
	HypothesisFalsePositive: "P_FP",
}

func (h HypothesisType) String() string {
	if name, ok := hypothesisNames[h]; ok {
		return name
	}
	return fmt.Sprintf("HypothesisType(%d)", uint16(h))
}

// MarshalText implements encoding.TextMarshaler
func (h HypothesisType) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *HypothesisType) UnmarshalText(text []byte) error {
	for t, name := range hypothesisNames {
		if name == string(text) {
			*h = t
			return nil
		}
	}
	return errors.Wrapf(ErrConfiguration, "unknown hypothesis type '%s'", string(text))
}

// HypothesisModel holds the priors used to score lineage hypotheses.
type HypothesisModel struct {
	Name string `json:"name"`
	// Hypothesis types to generate
	Hypotheses []HypothesisType `json:"hypotheses"`
	// Decay scales of the temporal and spatial terms
	LambdaTime   float64 `json:"lambda_time"`
	LambdaDist   float64 `json:"lambda_dist"`
	LambdaLink   float64 `json:"lambda_link"`
	LambdaBranch float64 `json:"lambda_branch"`
	// Probability of leaving an endpoint unexplained
	Eta float64 `json:"eta"`
	// Distance to the volume border and frames to the window edge that count as "at the edge"
	ThetaDist float64 `json:"theta_dist"`
	ThetaTime float64 `json:"theta_time"`
	// Maximum endpoint distance and frame gap for link, branch and merge. DistThresh 0 uses the max search radius
	DistThresh float64 `json:"dist_thresh"`
	TimeThresh float64 `json:"time_thresh"`
	// Trailing apoptotic detections needed to favour apoptosis
	ApopThresh int `json:"apop_thresh"`
	// Probability that the detector misses an object
	SegmentationMissRate float64 `json:"segmentation_miss_rate"`
	// Prior probability of apoptosis
	ApoptosisRate float64 `json:"apoptosis_rate"`
	// Multiplier applied to every threshold, 0 means 1
	Relax float64 `json:"relax"`
	// Longest tracklet considered for a false positive, 0 means any length
	FalsePositiveLength int `json:"fp_length"`
}

// DefaultHypothesisModel returns the priors commonly used for cell tracking
func DefaultHypothesisModel() HypothesisModel {
	return HypothesisModel{
		Name: "cell_hypothesis",
		Hypotheses: []HypothesisType{
			HypothesisFalsePositive,
			HypothesisInitialize,
			HypothesisTerminate,
			HypothesisLink,
			HypothesisBranch,
			HypothesisApoptosis,
		},
		LambdaTime:           5.0,
		LambdaDist:           3.0,
		LambdaLink:           10.0,
		LambdaBranch:         50.0,
		Eta:                  1e-10,
		ThetaDist:            20.0,
		ThetaTime:            5.0,
		DistThresh:           40.0,
		TimeThresh:           2.0,
		ApopThresh:           5,
		SegmentationMissRate: 0.1,
		ApoptosisRate:        0.001,
		Relax:                1.0,
	}
}

// Validate checks the ranges of the priors
func (model *HypothesisModel) Validate() error {
	if len(model.Hypotheses) == 0 {
		return errors.Wrap(ErrConfiguration, "hypothesis model allows no hypothesis type")
	}
	for name, v := range map[string]float64{
		"lambda_time":   model.LambdaTime,
		"lambda_dist":   model.LambdaDist,
		"lambda_link":   model.LambdaLink,
		"lambda_branch": model.LambdaBranch,
	} {
		if v <= 0 {
			return errors.Wrapf(ErrConfiguration, "%s must be positive, got %f", name, v)
		}
	}
	if model.Eta <= 0 || model.Eta >= 1 {
		return errors.Wrapf(ErrConfiguration, "eta must be in (0, 1), got %f", model.Eta)
	}
	if model.SegmentationMissRate <= 0 || model.SegmentationMissRate > 1 {
		return errors.Wrapf(ErrConfiguration, "segmentation_miss_rate must be in (0, 1], got %f", model.SegmentationMissRate)
	}
	if model.ApoptosisRate <= 0 || model.ApoptosisRate > 1 {
		return errors.Wrapf(ErrConfiguration, "apoptosis_rate must be in (0, 1], got %f", model.ApoptosisRate)
	}
	if model.ThetaDist < 0 || model.ThetaTime < 0 || model.DistThresh < 0 || model.TimeThresh < 0 {
		return errors.Wrap(ErrConfiguration, "hypothesis thresholds must not be negative")
	}
	if model.Relax < 0 || model.FalsePositiveLength < 0 || model.ApopThresh < 0 {
		return errors.Wrap(ErrConfiguration, "relax, fp_length and apop_thresh must not be negative")
	}
	return nil
}

func (model *HypothesisModel) allowed(h HypothesisType) bool {
	for _, t := range model.Hypotheses {
		if t == h {
			return true
		}
	}
	return false
}

func (model *HypothesisModel) relax() float64 {
	if model.Relax <= 0 {
		return 1.0
	}
	return model.Relax
}
