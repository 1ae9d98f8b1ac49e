package verdict

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	cases := map[string]struct {
		text      string
		want      Verdict
		wantErr   bool
		noVerdict bool
	}{
		"plain document": {
			text: `{"response":"Possible Scam","score":5}`,
			want: Verdict{Label: "Possible Scam", Score: 5},
		},
		"wrapped in prose": {
			text: `Based on the conversation so far: {"response":"Definitely a Scam","score":9}. Stay alert.`,
			want: Verdict{Label: "Definitely a Scam", Score: 9},
		},
		"label filled from score": {
			text: `{"score":2}`,
			want: Verdict{Label: LabelNotScam, Score: 2},
		},
		"no braces": {
			text:      "the caller asked about the weather",
			noVerdict: true,
		},
		"empty": {
			text:      "",
			noVerdict: true,
		},
		"malformed json": {
			text:    `{"response": "oops", "score": }`,
			wantErr: true,
		},
		"score too low": {
			text:    `{"response":"x","score":0}`,
			wantErr: true,
		},
		"score too high": {
			text:    `{"response":"x","score":11}`,
			wantErr: true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Parse(tc.text)
			if tc.noVerdict {
				if !errors.Is(err, ErrNoVerdict) {
					t.Fatalf("Parse = %v, want ErrNoVerdict", err)
				}
				return
			}
			if tc.wantErr {
				if err == nil || errors.Is(err, ErrNoVerdict) {
					t.Fatalf("Parse = %v, want validation error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got != tc.want {
				t.Errorf("Parse = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestLabelFor(t *testing.T) {
	cases := []struct {
		score int
		want  string
	}{
		{1, LabelNotScam},
		{3, LabelNotScam},
		{4, LabelPossible},
		{7, LabelPossible},
		{8, LabelDefinitely},
		{10, LabelDefinitely},
	}
	for _, tc := range cases {
		if got := LabelFor(tc.score); got != tc.want {
			t.Errorf("LabelFor(%d) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestVerdict_Severe(t *testing.T) {
	if (Verdict{Score: 7}).Severe() {
		t.Error("score 7 must not be severe")
	}
	if !(Verdict{Score: 8}).Severe() {
		t.Error("score 8 must be severe")
	}
}
