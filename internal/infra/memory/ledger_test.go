package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/R4f0so/quiz-corp/internal/domain"
	"github.com/R4f0so/quiz-corp/internal/fanout"
)

func TestTransitionPhaseStampsTimestamps(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 19, 0, 0, 0, time.UTC)
	ledger := NewLedgerWithClock(fanout.NewBroker(), func() time.Time { return now })

	sess, err := ledger.TransitionPhase(ctx, domain.PhaseWaiting, domain.PhaseActive)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.StartedAt == nil || !sess.StartedAt.Equal(now) || sess.FinishedAt != nil {
		t.Fatalf("expected startedAt=%v finishedAt=nil, got %+v", now, sess)
	}

	sess, err = ledger.TransitionPhase(ctx, domain.PhaseActive, domain.PhaseFinished)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if sess.FinishedAt == nil || sess.StartedAt == nil {
		t.Fatalf("expected both timestamps set, got %+v", sess)
	}

	sess, err = ledger.TransitionPhase(ctx, "", domain.PhaseWaiting)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if sess.Phase != domain.PhaseWaiting || sess.StartedAt != nil || sess.FinishedAt != nil {
		t.Fatalf("expected clean waiting session, got %+v", sess)
	}
}

func TestTransitionPhaseRejectsWrongSourcePhase(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(fanout.NewBroker())

	_, err := ledger.TransitionPhase(ctx, domain.PhaseActive, domain.PhaseFinished)
	if !domain.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	sess, _ := ledger.Session(ctx)
	if sess.Phase != domain.PhaseWaiting {
		t.Fatalf("session must be unchanged, got %s", sess.Phase)
	}
}

func TestConcurrentStartHasOneWinner(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(fanout.NewBroker())

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.TransitionPhase(ctx, domain.PhaseWaiting, domain.PhaseActive)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else if !domain.IsInvalidTransition(err) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", wins)
	}
}

func TestRecordAnswerIsIdempotentPerQuestion(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(fanout.NewBroker())

	p, _, err := ledger.CreateParticipant(ctx, domain.Participant{
		ExternalKey: "X123", Team: "A", Status: domain.StatusWaiting, Connected: true,
	})
	if err != nil {
		t.Fatalf("create participant: %v", err)
	}

	answer := domain.Answer{ParticipantID: p.ID, QuestionID: "q1", SelectedOption: domain.OptionB, IsCorrect: true}

	const retries = 6
	var wg sync.WaitGroup
	results := make(chan error, retries)
	for i := 0; i < retries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.RecordAnswer(ctx, answer, 100)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	recorded := 0
	for err := range results {
		if err == nil {
			recorded++
		} else if !errors.Is(err, domain.ErrDuplicateAnswer) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if recorded != 1 {
		t.Fatalf("expected exactly one recorded answer, got %d", recorded)
	}
	if ledger.CountAnswers() != 1 {
		t.Fatalf("expected one answer row, got %d", ledger.CountAnswers())
	}

	got, err := ledger.Participant(ctx, p.ID)
	if err != nil {
		t.Fatalf("participant: %v", err)
	}
	if got.Score != 100 {
		t.Fatalf("expected score awarded exactly once (100), got %d", got.Score)
	}
}

func TestCreateParticipantResumesOnDuplicateKey(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(fanout.NewBroker())

	first, created, err := ledger.CreateParticipant(ctx, domain.Participant{ExternalKey: "X1", Team: "A"})
	if err != nil || !created {
		t.Fatalf("expected fresh row, created=%v err=%v", created, err)
	}
	second, created, err := ledger.CreateParticipant(ctx, domain.Participant{ExternalKey: "X1", Team: "B"})
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if created {
		t.Fatalf("expected resume, not a second row")
	}
	if second.ID != first.ID || second.Team != "A" {
		t.Fatalf("expected original row with team A, got %+v", second)
	}
}

func TestWipeParticipantsClearsRowsAndAnswers(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(fanout.NewBroker())

	topic, _ := ledger.CreateTopic(ctx, domain.Topic{Name: "History"})
	q, err := ledger.CreateQuestion(ctx, sampleQuestion(topic.ID))
	if err != nil {
		t.Fatalf("create question: %v", err)
	}
	p, _, _ := ledger.CreateParticipant(ctx, domain.Participant{ExternalKey: "X1", Team: "A"})
	if _, err := ledger.RecordAnswer(ctx, domain.Answer{ParticipantID: p.ID, QuestionID: q.ID, SelectedOption: domain.OptionA}, 0); err != nil {
		t.Fatalf("record answer: %v", err)
	}

	if err := ledger.WipeParticipants(ctx); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	participants, _ := ledger.ListParticipants(ctx)
	if len(participants) != 0 {
		t.Fatalf("expected no participants, got %d", len(participants))
	}
	if ledger.CountAnswers() != 0 {
		t.Fatalf("expected no answers, got %d", ledger.CountAnswers())
	}
	topics, _ := ledger.ListTopics(ctx)
	questions, _ := ledger.ListQuestions(ctx, "")
	if len(topics) != 1 || len(questions) != 1 {
		t.Fatalf("topics and questions must survive a wipe, got %d/%d", len(topics), len(questions))
	}
}

func TestDeleteTopicCascades(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(fanout.NewBroker())

	topic, _ := ledger.CreateTopic(ctx, domain.Topic{Name: "Geography"})
	other, _ := ledger.CreateTopic(ctx, domain.Topic{Name: "Math"})

	var owned []domain.Question
	for i := 0; i < 3; i++ {
		q, err := ledger.CreateQuestion(ctx, sampleQuestion(topic.ID))
		if err != nil {
			t.Fatalf("create question: %v", err)
		}
		owned = append(owned, q)
	}
	kept, _ := ledger.CreateQuestion(ctx, sampleQuestion(other.ID))

	p, _, _ := ledger.CreateParticipant(ctx, domain.Participant{ExternalKey: "X1", Team: "A"})
	for _, q := range owned[:2] {
		if _, err := ledger.RecordAnswer(ctx, domain.Answer{ParticipantID: p.ID, QuestionID: q.ID, SelectedOption: domain.OptionA}, 0); err != nil {
			t.Fatalf("record answer: %v", err)
		}
	}

	if err := ledger.DeleteTopic(ctx, topic.ID); err != nil {
		t.Fatalf("delete topic: %v", err)
	}

	questions, _ := ledger.ListQuestions(ctx, "")
	if len(questions) != 1 || questions[0].ID != kept.ID {
		t.Fatalf("expected only the other topic's question to remain, got %+v", questions)
	}
	if ledger.CountAnswers() != 0 {
		t.Fatalf("expected orphaned answers removed, got %d", ledger.CountAnswers())
	}
	if err := ledger.DeleteTopic(ctx, topic.ID); !errors.Is(err, domain.ErrTopicNotFound) {
		t.Fatalf("expected topic not found on second delete, got %v", err)
	}
}

func TestParticipantEventsArriveInRowOrder(t *testing.T) {
	ctx := context.Background()
	broker := fanout.NewBroker()
	ledger := NewLedger(broker)

	ch, cancel := broker.Subscribe(domain.TableParticipants)
	defer cancel()

	p, _, _ := ledger.CreateParticipant(ctx, domain.Participant{ExternalKey: "X1", Team: "A"})
	topic, _ := ledger.CreateTopic(ctx, domain.Topic{Name: "T"})
	q1, _ := ledger.CreateQuestion(ctx, sampleQuestion(topic.ID))
	q2, _ := ledger.CreateQuestion(ctx, sampleQuestion(topic.ID))
	if _, err := ledger.RecordAnswer(ctx, domain.Answer{ParticipantID: p.ID, QuestionID: q1.ID, SelectedOption: domain.OptionB, IsCorrect: true}, 100); err != nil {
		t.Fatalf("answer 1: %v", err)
	}
	if _, err := ledger.RecordAnswer(ctx, domain.Answer{ParticipantID: p.ID, QuestionID: q2.ID, SelectedOption: domain.OptionB, IsCorrect: true}, 100); err != nil {
		t.Fatalf("answer 2: %v", err)
	}

	ev := <-ch
	if ev.Op != domain.OpInsert {
		t.Fatalf("expected insert first, got %s", ev.Op)
	}
	lastScore := -1
	for i := 0; i < 2; i++ {
		ev = <-ch
		if ev.Op != domain.OpUpdate {
			t.Fatalf("expected update, got %s", ev.Op)
		}
		var after domain.Participant
		if err := json.Unmarshal(ev.After, &after); err != nil {
			t.Fatalf("decode after: %v", err)
		}
		if after.Score <= lastScore {
			t.Fatalf("score events out of order: %d after %d", after.Score, lastScore)
		}
		lastScore = after.Score
	}
	if lastScore != 200 {
		t.Fatalf("expected final score 200, got %d", lastScore)
	}
}

func sampleQuestion(topicID string) domain.Question {
	return domain.Question{
		TopicID:       topicID,
		Text:          "What is 2 + 2?",
		OptionA:       "3",
		OptionB:       "4",
		OptionC:       "5",
		OptionD:       "22",
		CorrectOption: domain.OptionB,
	}
}
