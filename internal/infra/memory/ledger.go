// Package memory provides the in-process Ledger used for tests and
// single-node deployments without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R4f0so/quiz-corp/internal/domain"
	"github.com/R4f0so/quiz-corp/internal/fanout"
)

// participantRow pairs one participant with their answers. The row mutex
// serializes score updates and the per-question duplicate check, so two
// concurrent submissions from the same participant can never double-apply.
type participantRow struct {
	mu      sync.Mutex
	p       domain.Participant
	answers map[string]domain.Answer // by question ID
}

// Ledger implements app.Ledger with maps. Locking follows the session/row
// split: one mutex for the session singleton, one per participant row, and a
// registry mutex for the maps themselves. Registry before row, never the
// reverse.
type Ledger struct {
	broker *fanout.Broker
	clock  func() time.Time

	sessionMu sync.Mutex
	session   domain.Session

	mu           sync.RWMutex
	participants map[string]*participantRow
	byKey        map[string]string
	topics       map[string]domain.Topic
	questions    map[string]domain.Question
}

func NewLedger(broker *fanout.Broker) *Ledger {
	return NewLedgerWithClock(broker, time.Now)
}

// NewLedgerWithClock allows deterministic timestamps in tests.
func NewLedgerWithClock(broker *fanout.Broker, clock func() time.Time) *Ledger {
	return &Ledger{
		broker: broker,
		clock:  clock,
		session: domain.Session{
			ID:        domain.SessionID,
			Phase:     domain.PhaseWaiting,
			UpdatedAt: clock(),
		},
		participants: make(map[string]*participantRow),
		byKey:        make(map[string]string),
		topics:       make(map[string]domain.Topic),
		questions:    make(map[string]domain.Question),
	}
}

func (l *Ledger) Session(_ context.Context) (domain.Session, error) {
	l.sessionMu.Lock()
	defer l.sessionMu.Unlock()
	return l.session, nil
}

func (l *Ledger) TransitionPhase(_ context.Context, from, to domain.Phase) (domain.Session, error) {
	l.sessionMu.Lock()
	defer l.sessionMu.Unlock()

	if from != "" && l.session.Phase != from {
		return domain.Session{}, &domain.InvalidTransitionError{From: l.session.Phase, To: to}
	}

	before := l.session
	now := l.clock()
	l.session.Phase = to
	l.session.UpdatedAt = now
	switch to {
	case domain.PhaseActive:
		l.session.StartedAt = &now
		l.session.FinishedAt = nil
	case domain.PhaseFinished:
		l.session.FinishedAt = &now
	case domain.PhaseWaiting:
		l.session.StartedAt = nil
		l.session.FinishedAt = nil
	}

	l.broker.Publish(domain.ChangeEvent{
		Table:  domain.TableSession,
		Op:     domain.OpUpdate,
		Before: domain.Row(before),
		After:  domain.Row(l.session),
	})
	return l.session, nil
}

func (l *Ledger) WipeParticipants(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, row := range l.participants {
		row.mu.Lock()
		p := row.p
		row.mu.Unlock()
		delete(l.participants, id)
		delete(l.byKey, p.ExternalKey)
		l.broker.Publish(domain.ChangeEvent{
			Table:  domain.TableParticipants,
			Op:     domain.OpDelete,
			Before: domain.Row(p),
		})
	}
	return nil
}

func (l *Ledger) ParticipantByKey(_ context.Context, externalKey string) (domain.Participant, error) {
	l.mu.RLock()
	id, ok := l.byKey[externalKey]
	var row *participantRow
	if ok {
		row = l.participants[id]
	}
	l.mu.RUnlock()
	if row == nil {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return row.p, nil
}

func (l *Ledger) Participant(_ context.Context, id string) (domain.Participant, error) {
	row, err := l.row(id)
	if err != nil {
		return domain.Participant{}, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return row.p, nil
}

func (l *Ledger) CreateParticipant(_ context.Context, p domain.Participant) (domain.Participant, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.byKey[p.ExternalKey]; ok {
		// Lost the race against a concurrent login: resume the winner's row.
		row := l.participants[id]
		row.mu.Lock()
		row.p.Connected = true
		row.p.LastSeen = l.clock()
		existing := row.p
		row.mu.Unlock()
		return existing, false, nil
	}

	now := l.clock()
	p.ID = uuid.NewString()
	p.LastSeen = now
	p.CreatedAt = now
	l.participants[p.ID] = &participantRow{p: p, answers: make(map[string]domain.Answer)}
	l.byKey[p.ExternalKey] = p.ID

	l.broker.Publish(domain.ChangeEvent{
		Table: domain.TableParticipants,
		Op:    domain.OpInsert,
		After: domain.Row(p),
	})
	return p, true, nil
}

func (l *Ledger) SetConnected(_ context.Context, id string, connected bool) (domain.Participant, error) {
	return l.updateParticipant(id, func(p *domain.Participant) {
		p.Connected = connected
		p.LastSeen = l.clock()
	})
}

func (l *Ledger) SetParticipantStatus(_ context.Context, id string, status domain.ParticipantStatus) (domain.Participant, error) {
	return l.updateParticipant(id, func(p *domain.Participant) {
		p.Status = status
	})
}

func (l *Ledger) ListParticipants(_ context.Context) ([]domain.Participant, error) {
	l.mu.RLock()
	rows := make([]*participantRow, 0, len(l.participants))
	for _, row := range l.participants {
		rows = append(rows, row)
	}
	l.mu.RUnlock()

	out := make([]domain.Participant, 0, len(rows))
	for _, row := range rows {
		row.mu.Lock()
		out = append(out, row.p)
		row.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (l *Ledger) RecordAnswer(_ context.Context, a domain.Answer, award int) (int, error) {
	row, err := l.row(a.ParticipantID)
	if err != nil {
		return 0, err
	}

	row.mu.Lock()
	defer row.mu.Unlock()

	if _, ok := row.answers[a.QuestionID]; ok {
		return 0, domain.ErrDuplicateAnswer
	}

	a.ID = uuid.NewString()
	a.CreatedAt = l.clock()
	row.answers[a.QuestionID] = a

	before := row.p
	row.p.Score += award
	row.p.LastSeen = a.CreatedAt

	l.broker.Publish(domain.ChangeEvent{
		Table: domain.TableAnswers,
		Op:    domain.OpInsert,
		After: domain.Row(a),
	})
	if award != 0 {
		l.broker.Publish(domain.ChangeEvent{
			Table:  domain.TableParticipants,
			Op:     domain.OpUpdate,
			Before: domain.Row(before),
			After:  domain.Row(row.p),
		})
	}
	return row.p.Score, nil
}

func (l *Ledger) CreateTopic(_ context.Context, t domain.Topic) (domain.Topic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t.ID = uuid.NewString()
	t.CreatedAt = l.clock()
	l.topics[t.ID] = t

	l.broker.Publish(domain.ChangeEvent{Table: domain.TableTopics, Op: domain.OpInsert, After: domain.Row(t)})
	return t, nil
}

func (l *Ledger) ListTopics(_ context.Context) ([]domain.Topic, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Topic, 0, len(l.topics))
	for _, t := range l.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *Ledger) DeleteTopic(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	topic, ok := l.topics[id]
	if !ok {
		return domain.ErrTopicNotFound
	}
	delete(l.topics, id)

	removed := make(map[string]struct{})
	for qid, q := range l.questions {
		if q.TopicID != id {
			continue
		}
		delete(l.questions, qid)
		removed[qid] = struct{}{}
		l.broker.Publish(domain.ChangeEvent{Table: domain.TableQuestions, Op: domain.OpDelete, Before: domain.Row(q)})
	}
	l.dropAnswersLocked(removed)

	l.broker.Publish(domain.ChangeEvent{Table: domain.TableTopics, Op: domain.OpDelete, Before: domain.Row(topic)})
	return nil
}

func (l *Ledger) CreateQuestion(_ context.Context, q domain.Question) (domain.Question, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.topics[q.TopicID]; !ok {
		return domain.Question{}, domain.ErrTopicNotFound
	}
	q.ID = uuid.NewString()
	q.CreatedAt = l.clock()
	l.questions[q.ID] = q

	l.broker.Publish(domain.ChangeEvent{Table: domain.TableQuestions, Op: domain.OpInsert, After: domain.Row(q)})
	return q, nil
}

func (l *Ledger) Question(_ context.Context, id string) (domain.Question, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	q, ok := l.questions[id]
	if !ok {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return q, nil
}

func (l *Ledger) UpdateQuestion(_ context.Context, q domain.Question) (domain.Question, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.questions[q.ID]
	if !ok {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	if _, ok := l.topics[q.TopicID]; !ok {
		return domain.Question{}, domain.ErrTopicNotFound
	}
	q.CreatedAt = existing.CreatedAt
	l.questions[q.ID] = q

	l.broker.Publish(domain.ChangeEvent{
		Table:  domain.TableQuestions,
		Op:     domain.OpUpdate,
		Before: domain.Row(existing),
		After:  domain.Row(q),
	})
	return q, nil
}

func (l *Ledger) DeleteQuestion(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.questions[id]
	if !ok {
		return domain.ErrQuestionNotFound
	}
	delete(l.questions, id)
	l.dropAnswersLocked(map[string]struct{}{id: {}})

	l.broker.Publish(domain.ChangeEvent{Table: domain.TableQuestions, Op: domain.OpDelete, Before: domain.Row(q)})
	return nil
}

func (l *Ledger) ListQuestions(_ context.Context, topicID string) ([]domain.Question, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Question, 0, len(l.questions))
	for _, q := range l.questions {
		if topicID != "" && q.TopicID != topicID {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (l *Ledger) Subscribe(tables ...string) (<-chan domain.ChangeEvent, func()) {
	return l.broker.Subscribe(tables...)
}

// CountAnswers reports the total number of stored answers. Test helper.
func (l *Ledger) CountAnswers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0
	for _, row := range l.participants {
		row.mu.Lock()
		total += len(row.answers)
		row.mu.Unlock()
	}
	return total
}

func (l *Ledger) row(id string) (*participantRow, error) {
	l.mu.RLock()
	row := l.participants[id]
	l.mu.RUnlock()
	if row == nil {
		return nil, domain.ErrParticipantNotFound
	}
	return row, nil
}

func (l *Ledger) updateParticipant(id string, mutate func(*domain.Participant)) (domain.Participant, error) {
	row, err := l.row(id)
	if err != nil {
		return domain.Participant{}, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	before := row.p
	mutate(&row.p)

	l.broker.Publish(domain.ChangeEvent{
		Table:  domain.TableParticipants,
		Op:     domain.OpUpdate,
		Before: domain.Row(before),
		After:  domain.Row(row.p),
	})
	return row.p, nil
}

// dropAnswersLocked removes answers referencing any of the given question
// ids. Caller holds the registry write lock.
func (l *Ledger) dropAnswersLocked(questionIDs map[string]struct{}) {
	if len(questionIDs) == 0 {
		return
	}
	for _, row := range l.participants {
		row.mu.Lock()
		for qid := range questionIDs {
			delete(row.answers, qid)
		}
		row.mu.Unlock()
	}
}
