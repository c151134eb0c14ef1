package main

import (
	"log/slog"

	"github.com/ggoodman/quizrace/quiz"
	"github.com/ggoodman/quizrace/records"
	recmemory "github.com/ggoodman/quizrace/records/memory"
)

const (
	demoOwner = "demo-moderator"
	demoRace  = "demo-race"
)

var demoQuestions = []quiz.Question{
	{
		ID:     "demo-q1",
		Prompt: []string{"Which planet is known as the red planet?"},
		Type:   quiz.QuestionMultipleChoice,
		Choices: []quiz.Choice{
			{Choice: "Venus"},
			{Choice: "Mars", Feedback: "Iron oxide gives it the colour."},
			{Choice: "Jupiter"},
		},
		Answer: []string{"Mars"},
	},
	{
		ID:     "demo-q2",
		Prompt: []string{"Water boils at", "degrees Celsius at sea level."},
		Type:   quiz.QuestionFillInBlank,
		Answer: []string{"100"},
	},
}

// seedDemo loads a library and race owned by demoOwner so a fresh memory
// backend can host a session right away.
func seedDemo(rec *recmemory.Store, logger *slog.Logger) {
	rec.PutLibrary(records.Library{ID: "demo-library", OwnerID: demoOwner, Name: "Demo"})
	for _, q := range demoQuestions {
		q.LibraryID = "demo-library"
		if err := rec.PutQuestion(q); err != nil {
			logger.Warn("demo.seed.fail", slog.String("question", q.ID), slog.String("err", err.Error()))
		}
	}
	rec.PutRace(quiz.Race{
		ID:          demoRace,
		OwnerID:     demoOwner,
		Name:        "Demo race",
		LibraryID:   "demo-library",
		BonusTime:   2,
		PenaltyTime: 5,
	})
	logger.Info("demo.seed", slog.String("owner", demoOwner), slog.String("race_id", demoRace))
}
