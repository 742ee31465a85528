package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

// #region weight-config
// WeightConfig is one immutable, versioned WRQS weight set.
type WeightConfig struct {
	Version       int
	Label         string
	Weights       wrqs.Weights
	ConfigHash    string
	IsActive      bool
	ParentVersion int // 0 when none
	Note          string
	CreatedAt     time.Time
}

// DefaultLabel names the built-in weights when no store is configured.
const DefaultLabel = "wrqs-default"

// LabelFor returns the label of a stored version.
func LabelFor(version int) string {
	return fmt.Sprintf("wrqs-v%d", version)
}

// BuiltinConfig returns the built-in weights as an unversioned config.
func BuiltinConfig() *WeightConfig {
	w := wrqs.Default()
	hash, _ := ConfigHash(w)
	return &WeightConfig{Label: DefaultLabel, Weights: w, ConfigHash: hash}
}
// #endregion weight-config

// #region active-pointer
// ActivePointer is the single row naming the active version. While a canary
// runs, Version is the candidate and StableVersion the config it replaced.
type ActivePointer struct {
	Version       int
	StableVersion int // 0 when no canary
	CanaryPercent int
	CanaryRunID   string
	UpdatedAt     time.Time
}

// CanaryActive reports whether traffic is split.
func (p ActivePointer) CanaryActive() bool {
	return p.StableVersion != 0 && p.CanaryPercent > 0
}
// #endregion active-pointer

// #region errors
var (
	ErrVersionNotFound = errors.New("weight config version not found")
	ErrNoActiveConfig  = errors.New("no active weight config")
)
// #endregion errors
