package providers

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator estimates the token count of a string. The default is a
// cheap characters-per-token heuristic; TiktokenEstimator trades a small
// amount of CPU for an exact count when precision matters (summarization
// budget checks, Context Builder truncation planning).
type TokenEstimator interface {
	Estimate(text string) int
}

// charsPerToken is the heuristic nexus and most providers converge on for
// English-weighted text when no tokenizer is loaded.
const charsPerToken = 4

// HeuristicEstimator is the zero-dependency default estimator.
type HeuristicEstimator struct{}

func (HeuristicEstimator) Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// TiktokenEstimator wraps github.com/pkoukk/tiktoken-go for an exact
// cl100k_base count, used when the caller opts into precise accounting
// rather than the default heuristic (spec §9 Open Question).
type TiktokenEstimator struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the cl100k_base encoding used by the
// Claude/GPT model families this module routes between.
func NewTiktokenEstimator() (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (t *TiktokenEstimator) Estimate(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

var _ TokenEstimator = HeuristicEstimator{}
var _ TokenEstimator = (*TiktokenEstimator)(nil)
