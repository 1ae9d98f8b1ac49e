// Package verdict interprets the analysis endpoint's assessment of a call.
//
// The remote model is instructed to answer with a small JSON document,
// {"response": "...", "score": N}, embedded in its transcript output. This
// package extracts and validates that document and maps scores onto the
// three-band labelling the rest of the system works with.
package verdict

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Score bands.
const (
	MinScore = 1
	MaxScore = 10

	possibleThreshold   = 4
	definitelyThreshold = 8
)

// Labels for the three score bands.
const (
	LabelNotScam    = "Not a Scam"
	LabelPossible   = "Possible Scam"
	LabelDefinitely = "Definitely a Scam"
)

// ErrNoVerdict is returned by [Parse] when the text carries no verdict
// document. Transcripts without a verdict are common (the model speaks
// between assessments) and callers typically skip them.
var ErrNoVerdict = errors.New("verdict: no verdict document in text")

// Verdict is one scam assessment.
type Verdict struct {
	// Label is the model's textual judgement.
	Label string `json:"response"`

	// Score is the scam likelihood from 1 (benign) to 10 (certain scam).
	Score int `json:"score"`
}

// Severe reports whether the verdict falls in the definite-scam band and
// should trigger an operator notification.
func (v Verdict) Severe() bool { return v.Score >= definitelyThreshold }

func (v Verdict) String() string {
	return fmt.Sprintf("%s (%d/%d)", v.Label, v.Score, MaxScore)
}

// LabelFor maps a score onto its band label.
func LabelFor(score int) string {
	switch {
	case score >= definitelyThreshold:
		return LabelDefinitely
	case score >= possibleThreshold:
		return LabelPossible
	default:
		return LabelNotScam
	}
}

// Parse extracts the verdict document from text. The model often wraps the
// JSON in prose, so Parse scans for the outermost braces rather than
// requiring the whole text to be JSON. A score outside [MinScore, MaxScore]
// is rejected; a missing label is filled in from the score band.
func Parse(text string) (Verdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Verdict{}, ErrNoVerdict
	}

	var v Verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return Verdict{}, fmt.Errorf("verdict: malformed document: %w", err)
	}
	if v.Score < MinScore || v.Score > MaxScore {
		return Verdict{}, fmt.Errorf("verdict: score %d outside [%d, %d]", v.Score, MinScore, MaxScore)
	}
	if v.Label == "" {
		v.Label = LabelFor(v.Score)
	}
	return v, nil
}
