package quiz

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusStarted, true},
		{StatusCreated, StatusEnded, true},
		{StatusStarted, StatusEnded, true},
		{StatusStarted, StatusCreated, false},
		{StatusEnded, StatusStarted, false},
		{StatusEnded, StatusEnded, false},
		{StatusCreated, StatusCreated, false},
		{StatusCreated, Status("PAUSED"), false},
		{Status(""), StatusStarted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestQuestionViewHasNoAnswer(t *testing.T) {
	q := Question{
		ID:      "q1",
		Prompt:  []string{"2 + 2 = ?"},
		Type:    QuestionMultipleChoice,
		Choices: []Choice{{Choice: "3"}, {Choice: "4"}},
		Answer:  []string{"4"},
	}
	b, err := json.Marshal(Views([]Question{q}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "answer") {
		t.Fatalf("view leaked answer key: %s", b)
	}
}

func TestPlayerStateValidate(t *testing.T) {
	if err := (PlayerState{}).Validate(); err != ErrMissingUID {
		t.Fatalf("expected ErrMissingUID, got %v", err)
	}
	if err := (PlayerState{UID: "a"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
