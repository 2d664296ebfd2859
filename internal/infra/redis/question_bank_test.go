package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/R4f0so/quiz-corp/internal/domain"
	"github.com/R4f0so/quiz-corp/internal/fanout"
	"github.com/R4f0so/quiz-corp/internal/infra/memory"
)

func TestQuestionBankCachesInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	ledger := memory.NewLedger(fanout.NewBroker())
	topic, _ := ledger.CreateTopic(ctx, domain.Topic{Name: "T"})
	if _, err := ledger.CreateQuestion(ctx, domain.Question{
		TopicID: topic.ID, Text: "What is 2 + 2?",
		OptionA: "3", OptionB: "4", OptionC: "5", OptionD: "22",
		CorrectOption: domain.OptionB,
	}); err != nil {
		t.Fatalf("create question: %v", err)
	}

	loader := &countingLoader{QuestionLoader: memory.NewLedgerLoader(ledger)}
	bank := NewQuestionBank(newClient(mr), loader, time.Minute)

	qs, err := bank.Questions(ctx)
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	if len(qs) != 1 || loader.calls != 1 {
		t.Fatalf("expected one question via one load, got %d questions %d calls", len(qs), loader.calls)
	}
	if !mr.Exists("quiz:questions") {
		t.Fatalf("expected cache key in redis")
	}

	if _, err := bank.Questions(ctx); err != nil {
		t.Fatalf("questions 2: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.calls)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := bank.Questions(ctx); err != nil {
		t.Fatalf("questions 3: %v", err)
	}
	if loader.calls != 2 {
		t.Fatalf("expected reload after expiry, loader calls %d", loader.calls)
	}
}

type countingLoader struct {
	memory.QuestionLoader
	calls int
}

func (l *countingLoader) LoadQuestions(ctx context.Context) ([]domain.Question, error) {
	l.calls++
	return l.QuestionLoader.LoadQuestions(ctx)
}
