package insights

import "time"

// Insights is the decrypted per-call analysis payload. One row per call
// session, enforced at insert. At rest the payload is envelope-encrypted.
type Insights struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	AccountID string `json:"account_id"`
	LineID    string `json:"line_id"`

	// Scores are 0..1.
	Mood       float64 `json:"mood"`
	Engagement float64 `json:"engagement"`
	SocialNeed float64 `json:"social_need"`

	Topics   []WeightedTopic `json:"topics,omitempty"`
	Concerns []Concern       `json:"concerns,omitempty"`

	FollowUp        bool     `json:"follow_up"`
	FollowUpReasons []string `json:"follow_up_reasons,omitempty"`

	Confidence float64 `json:"confidence"`

	CreatedAt time.Time `json:"created_at"`
}

type WeightedTopic struct {
	Topic  string  `json:"topic"`
	Weight float64 `json:"weight"`
}

type Concern struct {
	Code     string `json:"code"`
	Severity string `json:"severity"` // low | medium | high

	// Novel is true when the concern does not appear in the line's rolling
	// baseline. Only set when the baseline has enough samples.
	Novel bool `json:"novel"`
}

// Record is the at-rest shape: the JSON payload encrypted under the
// account's DEK.
type Record struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`
	AccountID string `json:"account_id" db:"account_id"`
	LineID    string `json:"line_id" db:"line_id"`

	Ciphertext []byte `json:"-" db:"ciphertext"`
	Nonce      []byte `json:"-" db:"nonce"`
	Tag        []byte `json:"-" db:"tag"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Baseline is the rolling per-line aggregate used to judge whether a newly
// logged concern is novel versus already-known.
type Baseline struct {
	LineID string `json:"line_id" db:"line_id"`

	AvgEngagement      float64 `json:"avg_engagement" db:"avg_engagement"`
	AvgDurationSeconds int     `json:"avg_duration_seconds" db:"avg_duration_seconds"`
	CallsPerWeek       float64 `json:"calls_per_week" db:"calls_per_week"`
	AnswerRate         float64 `json:"answer_rate" db:"answer_rate"`

	// MoodDistribution buckets mood scores into low/neutral/high shares.
	MoodDistribution map[string]float64 `json:"mood_distribution" db:"mood_distribution"`

	RecentConcernCodes []string `json:"recent_concern_codes" db:"recent_concern_codes"`

	SampleSize int       `json:"sample_size" db:"sample_size"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// minBaselineSamples gates novelty detection: below this the baseline is
// not considered available and concerns are never flagged novel.
const minBaselineSamples = 5

func (b Baseline) Available() bool {
	return b.SampleSize >= minBaselineSamples
}

func (b Baseline) HasConcern(code string) bool {
	for _, c := range b.RecentConcernCodes {
		if c == code {
			return true
		}
	}
	return false
}
