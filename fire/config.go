package fire

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// HullMethod selects the boundary-fitting strategy.
type HullMethod string

const (
	HullConcave HullMethod = "concave"
	HullAlpha   HullMethod = "alpha"
)

// AssociationConfig controls spatio-temporal matching of detections to fires.
type AssociationConfig struct {
	BufferDistance float64 `yaml:"bufferDistance" json:"bufferDistance"` // planar units around each perimeter (default 5000)
	MinDetections  int     `yaml:"minDetections" json:"minDetections"`   // fires below this are dropped (default 50)
}

// ContaminationConfig controls the cross-fire filter.
type ContaminationConfig struct {
	ConcurrencyRadius float64 `yaml:"concurrencyRadius" json:"concurrencyRadius"` // default 10000
}

// WindowConfig controls observation window splitting.
type WindowConfig struct {
	Gap time.Duration `yaml:"gap" json:"gap"` // default 2h
}

// ValidityConfig is the final gate on fire quality.
type ValidityConfig struct {
	MinWindows    int     `yaml:"minWindows" json:"minWindows"`
	MinDetections int     `yaml:"minDetections" json:"minDetections"`
	MinAreaKm2    float64 `yaml:"minAreaKm2" json:"minAreaKm2"`
}

// ReconstructionConfig holds the polygon reconstruction parameters.
type ReconstructionConfig struct {
	Eps               float64    `yaml:"eps" json:"eps"`
	MinSamples        int        `yaml:"minSamples" json:"minSamples"`
	MergeDist         float64    `yaml:"mergeDist" json:"mergeDist"`
	DensityPercentile *float64   `yaml:"densityPercentile" json:"densityPercentile,omitempty"` // nil or <= 0 disables the density filter
	DensityRadius     float64    `yaml:"densityRadius" json:"densityRadius"`
	Method            HullMethod `yaml:"method" json:"method"`
	ConcaveRatio      float64    `yaml:"concaveRatio" json:"concaveRatio"`
	AlphaRadius       float64    `yaml:"alphaRadius" json:"alphaRadius"` // max triangle circumradius kept by the alpha shape
}

// densityEnabled reports whether the per-cluster density filter runs.
func (rc ReconstructionConfig) densityEnabled() bool {
	return rc.DensityPercentile != nil && *rc.DensityPercentile > 0
}

// EvaluationConfig controls IoU estimation against true perimeters.
type EvaluationConfig struct {
	GridCell float64 `yaml:"gridCell" json:"gridCell"`
	MaxCells int     `yaml:"maxCells" json:"maxCells"`
}

// MQTTConfig holds MQTT connection settings for result publishing.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"-"`
}

// StoreConfig points at the SQLite result database.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// Config is the full pipeline configuration.
type Config struct {
	Years          []int                `yaml:"years,omitempty" json:"years,omitempty"`
	Workers        int                  `yaml:"workers" json:"workers"`
	Association    AssociationConfig    `yaml:"association" json:"association"`
	Contamination  ContaminationConfig  `yaml:"contamination" json:"contamination"`
	Windows        WindowConfig         `yaml:"windows" json:"windows"`
	Validity       ValidityConfig       `yaml:"validity" json:"validity"`
	Reconstruction ReconstructionConfig `yaml:"reconstruction" json:"reconstruction"`
	Evaluation     EvaluationConfig     `yaml:"evaluation" json:"evaluation"`
	MQTT           MQTTConfig           `yaml:"mqtt" json:"mqtt"`
	Store          StoreConfig          `yaml:"store" json:"store"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers: 1,
		Association: AssociationConfig{
			BufferDistance: 5000,
			MinDetections:  50,
		},
		Contamination: ContaminationConfig{ConcurrencyRadius: 10000},
		Windows:       WindowConfig{Gap: 2 * time.Hour},
		Validity: ValidityConfig{
			MinWindows:    4,
			MinDetections: 150,
			MinAreaKm2:    1,
		},
		Reconstruction: DefaultReconstructionConfig(),
		Evaluation: EvaluationConfig{
			GridCell: 100,
			MaxCells: 250000,
		},
		MQTT: MQTTConfig{
			PublishPrefix: "firemesh",
			ClientID:      "firemesh",
		},
		Store: StoreConfig{Path: "firemesh.db"},
	}
}

// DefaultReconstructionConfig returns the tuned reconstruction defaults.
func DefaultReconstructionConfig() ReconstructionConfig {
	pct := 2.0
	return ReconstructionConfig{
		Eps:               750,
		MinSamples:        3,
		MergeDist:         2000,
		DensityPercentile: &pct,
		DensityRadius:     750,
		Method:            HullConcave,
		ConcaveRatio:      0.3,
		AlphaRadius:       1000,
	}
}

// Validate checks ranges. Zero thresholds are allowed; negative ones are not.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must be >= 0", ErrInvalidConfig)
	}
	if c.Association.BufferDistance < 0 {
		return fmt.Errorf("%w: association.bufferDistance must be >= 0", ErrInvalidConfig)
	}
	if c.Association.MinDetections < 0 || c.Validity.MinDetections < 0 || c.Validity.MinWindows < 0 {
		return fmt.Errorf("%w: detection and window minimums must be >= 0", ErrInvalidConfig)
	}
	if c.Contamination.ConcurrencyRadius < 0 {
		return fmt.Errorf("%w: contamination.concurrencyRadius must be >= 0", ErrInvalidConfig)
	}
	if c.Windows.Gap <= 0 {
		return fmt.Errorf("%w: windows.gap must be positive", ErrInvalidConfig)
	}
	if c.Validity.MinAreaKm2 < 0 {
		return fmt.Errorf("%w: validity.minAreaKm2 must be >= 0", ErrInvalidConfig)
	}
	if err := c.Reconstruction.Validate(); err != nil {
		return err
	}
	if c.Evaluation.GridCell <= 0 || c.Evaluation.MaxCells <= 0 {
		return fmt.Errorf("%w: evaluation.gridCell and evaluation.maxCells must be positive", ErrInvalidConfig)
	}
	return nil
}

// Validate checks the reconstruction parameters.
func (rc ReconstructionConfig) Validate() error {
	if rc.Eps <= 0 {
		return fmt.Errorf("%w: reconstruction.eps must be positive", ErrInvalidConfig)
	}
	if rc.MinSamples < 1 {
		return fmt.Errorf("%w: reconstruction.minSamples must be >= 1", ErrInvalidConfig)
	}
	if rc.MergeDist < 0 {
		return fmt.Errorf("%w: reconstruction.mergeDist must be >= 0", ErrInvalidConfig)
	}
	if rc.densityEnabled() {
		if *rc.DensityPercentile > 100 {
			return fmt.Errorf("%w: reconstruction.densityPercentile must be <= 100", ErrInvalidConfig)
		}
		if rc.DensityRadius <= 0 {
			return fmt.Errorf("%w: reconstruction.densityRadius must be positive", ErrInvalidConfig)
		}
	}
	switch rc.Method {
	case HullConcave:
		if rc.ConcaveRatio < 0 || rc.ConcaveRatio > 1 {
			return fmt.Errorf("%w: reconstruction.concaveRatio must be in [0,1]", ErrInvalidConfig)
		}
	case HullAlpha:
		if rc.AlphaRadius <= 0 {
			return fmt.Errorf("%w: reconstruction.alphaRadius must be positive", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: reconstruction.method %q (want concave or alpha)", ErrInvalidConfig, rc.Method)
	}
	return nil
}
