package quality

import (
	"time"

	"github.com/danielpatrickdp/turn-governor/internal/router"
)

// #region thresholds
// Thresholds classify raw scores. LowTQS is exclusive, the KGS bounds inclusive.
type Thresholds struct {
	LowTQS      int `yaml:"low_tqs" json:"low_tqs"`
	HighKGS     int `yaml:"high_kgs" json:"high_kgs"`
	CriticalKGS int `yaml:"critical_kgs" json:"critical_kgs"`
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{LowTQS: 60, HighKGS: 65, CriticalKGS: 80}
}

// #endregion thresholds

// #region input
// Input is everything known about a completed turn.
type Input struct {
	RequestID    string
	SessionID    string
	Message      string
	PolicyIntent string
	Route        router.Intent

	// Signals of the selected candidate. Empty when the fallback text was sent.
	Signals map[string]float64

	BackendError        bool
	RowCount            int
	RetrievalConfidence float64
	HallucinationRisk   float64

	RephraseCount  int
	HandoffClicked bool

	WeightsVersion int
}

// #endregion input

// #region score
// Score is the classified quality of one turn.
type Score struct {
	TQS         int  `json:"tqs"`
	KGS         int  `json:"kgs"`
	LowTQS      bool `json:"low_tqs"`
	HighKGS     bool `json:"high_kgs"`
	CriticalKGS bool `json:"critical_kgs"`
}

// #endregion score

// #region gap-item
// GapStatus tracks a gap through offline review.
type GapStatus string

const (
	GapNew      GapStatus = "NEW"
	GapInReview GapStatus = "IN_REVIEW"
)

// GapItem is one row of knowledge_gap_items: a recurring topic the system
// could not answer well.
type GapItem struct {
	TopicKey        string
	Intent          string
	SampleMessage   string
	KGS             int
	OccurrenceCount int
	TriggerSource   string
	Status          GapStatus
	LastRequestID   string
	LastSessionID   string
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
}

// #endregion gap-item

// #region outcome
// Outcome is one scored turn, attributed to the weights version that served it.
type Outcome struct {
	RequestID      string
	SessionID      string
	WeightsVersion int
	Intent         string
	TQS            int
	KGS            int
	Handoff        bool
	CreatedAt      time.Time
}

// WindowMetrics aggregates outcomes for one weights version.
type WindowMetrics struct {
	AvgTQS      float64 `json:"avg_tqs"`
	AvgKGS      float64 `json:"avg_kgs"`
	HandoffRate float64 `json:"handoff_rate"`
	Turns       int     `json:"turns"`
}

// #endregion outcome

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
