// Package postgres implements the ledger on Postgres via bun. Row-level
// atomicity (conditional phase updates, the unique answer constraint, score
// increments inside the answer transaction) gives the coordinator its
// exactly-once guarantees without any distributed locking.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/R4f0so/quiz-corp/internal/domain"
	"github.com/R4f0so/quiz-corp/internal/fanout"
)

// Ledger implements app.Ledger on a bun DB handle. Change events are
// published after commit; pubMu keeps commit order and publish order aligned
// for participant rows, which carry the per-row ordering contract.
type Ledger struct {
	db     *bun.DB
	broker *fanout.Broker
	clock  func() time.Time
	pubMu  sync.Mutex
}

func NewLedger(db *bun.DB, broker *fanout.Broker) *Ledger {
	return &Ledger{db: db, broker: broker, clock: time.Now}
}

// now returns the clock truncated to microseconds, the precision pgdriver
// writes and timestamptz stores. Timestamps kept at full nanosecond
// resolution would never compare equal to their RETURNING round-trip, which
// the created detection in CreateParticipant relies on.
func (l *Ledger) now() time.Time {
	return l.clock().Truncate(time.Microsecond)
}

func (l *Ledger) Session(ctx context.Context) (domain.Session, error) {
	var row sessionRow
	err := l.db.NewSelect().Model(&row).Where("id = ?", domain.SessionID).Scan(ctx)
	if err != nil {
		return domain.Session{}, storeErr(err)
	}
	return row.domain(), nil
}

func (l *Ledger) TransitionPhase(ctx context.Context, from, to domain.Phase) (domain.Session, error) {
	now := l.now()
	row := sessionRow{ID: domain.SessionID}

	q := l.db.NewUpdate().Model(&row).
		Set("phase = ?", string(to)).
		Set("updated_at = ?", now).
		Where("id = ?", domain.SessionID)
	switch to {
	case domain.PhaseActive:
		q = q.Set("started_at = ?", now).Set("finished_at = NULL")
	case domain.PhaseFinished:
		q = q.Set("finished_at = ?", now)
	case domain.PhaseWaiting:
		q = q.Set("started_at = NULL").Set("finished_at = NULL")
	}
	if from != "" {
		q = q.Where("phase = ?", string(from))
	}

	l.pubMu.Lock()
	defer l.pubMu.Unlock()

	res, err := q.Returning("*").Exec(ctx)
	if err != nil {
		return domain.Session{}, storeErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Session{}, storeErr(err)
	}
	if affected == 0 {
		// Lost the race or wrong source phase: report the actual phase.
		current, err := l.Session(ctx)
		if err != nil {
			return domain.Session{}, err
		}
		return domain.Session{}, &domain.InvalidTransitionError{From: current.Phase, To: to}
	}

	sess := row.domain()
	l.broker.Publish(domain.ChangeEvent{
		Table: domain.TableSession,
		Op:    domain.OpUpdate,
		After: domain.Row(sess),
	})
	return sess, nil
}

func (l *Ledger) WipeParticipants(ctx context.Context) error {
	var wiped []participantRow

	l.pubMu.Lock()
	defer l.pubMu.Unlock()

	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Answers go with the participants via ON DELETE CASCADE.
		_, err := tx.NewDelete().Model((*participantRow)(nil)).
			Where("TRUE").Returning("*").Exec(ctx, &wiped)
		return err
	})
	if err != nil {
		return storeErr(err)
	}

	for _, row := range wiped {
		l.broker.Publish(domain.ChangeEvent{
			Table:  domain.TableParticipants,
			Op:     domain.OpDelete,
			Before: domain.Row(row.domain()),
		})
	}
	return nil
}

func (l *Ledger) ParticipantByKey(ctx context.Context, externalKey string) (domain.Participant, error) {
	var row participantRow
	err := l.db.NewSelect().Model(&row).Where("external_key = ?", externalKey).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, storeErr(err)
	}
	return row.domain(), nil
}

func (l *Ledger) Participant(ctx context.Context, id string) (domain.Participant, error) {
	var row participantRow
	err := l.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, storeErr(err)
	}
	return row.domain(), nil
}

func (l *Ledger) CreateParticipant(ctx context.Context, p domain.Participant) (domain.Participant, bool, error) {
	now := l.now()
	row := participantRow{
		ID:          uuid.NewString(),
		ExternalKey: p.ExternalKey,
		Team:        string(p.Team),
		Status:      string(p.Status),
		Score:       p.Score,
		Connected:   true,
		LastSeen:    now,
		CreatedAt:   now,
	}

	l.pubMu.Lock()
	defer l.pubMu.Unlock()

	// A concurrent login with the same key resumes the winner's row instead
	// of failing; first registration keeps its team.
	_, err := l.db.NewInsert().Model(&row).
		On("CONFLICT (external_key) DO UPDATE").
		Set("connected = TRUE").
		Set("last_seen = EXCLUDED.last_seen").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return domain.Participant{}, false, storeErr(err)
	}

	created := row.CreatedAt.Equal(now)
	participant := row.domain()
	op := domain.OpUpdate
	if created {
		op = domain.OpInsert
	}
	l.broker.Publish(domain.ChangeEvent{
		Table: domain.TableParticipants,
		Op:    op,
		After: domain.Row(participant),
	})
	return participant, created, nil
}

func (l *Ledger) SetConnected(ctx context.Context, id string, connected bool) (domain.Participant, error) {
	return l.updateParticipant(ctx, id, func(q *bun.UpdateQuery) {
		q.Set("connected = ?", connected).Set("last_seen = ?", l.now())
	})
}

func (l *Ledger) SetParticipantStatus(ctx context.Context, id string, status domain.ParticipantStatus) (domain.Participant, error) {
	return l.updateParticipant(ctx, id, func(q *bun.UpdateQuery) {
		q.Set("status = ?", string(status))
	})
}

func (l *Ledger) ListParticipants(ctx context.Context) ([]domain.Participant, error) {
	var rows []participantRow
	err := l.db.NewSelect().Model(&rows).
		OrderExpr("created_at DESC, id").
		Scan(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]domain.Participant, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.domain())
	}
	return out, nil
}

func (l *Ledger) RecordAnswer(ctx context.Context, a domain.Answer, award int) (int, error) {
	now := l.now()
	answer := answerRow{
		ID:             uuid.NewString(),
		ParticipantID:  a.ParticipantID,
		QuestionID:     a.QuestionID,
		SelectedOption: string(a.SelectedOption),
		IsCorrect:      a.IsCorrect,
		CreatedAt:      now,
	}
	var updated participantRow

	l.pubMu.Lock()
	defer l.pubMu.Unlock()

	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&answer).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDuplicateAnswer
			}
			return err
		}
		res, err := tx.NewUpdate().Model(&updated).
			Set("score = score + ?", award).
			Set("last_seen = ?", now).
			Where("id = ?", a.ParticipantID).
			Returning("*").
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return domain.ErrParticipantNotFound
		}
		return nil
	})
	if errors.Is(err, domain.ErrDuplicateAnswer) || errors.Is(err, domain.ErrParticipantNotFound) {
		return 0, err
	}
	if err != nil {
		return 0, storeErr(err)
	}

	l.broker.Publish(domain.ChangeEvent{
		Table: domain.TableAnswers,
		Op:    domain.OpInsert,
		After: domain.Row(answer.domain()),
	})
	if award != 0 {
		l.broker.Publish(domain.ChangeEvent{
			Table: domain.TableParticipants,
			Op:    domain.OpUpdate,
			After: domain.Row(updated.domain()),
		})
	}
	return updated.Score, nil
}

func (l *Ledger) CreateTopic(ctx context.Context, t domain.Topic) (domain.Topic, error) {
	row := topicRow{ID: uuid.NewString(), Name: t.Name, CreatedAt: l.now()}
	if _, err := l.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return domain.Topic{}, storeErr(err)
	}
	topic := row.domain()
	l.broker.Publish(domain.ChangeEvent{Table: domain.TableTopics, Op: domain.OpInsert, After: domain.Row(topic)})
	return topic, nil
}

func (l *Ledger) ListTopics(ctx context.Context) ([]domain.Topic, error) {
	var rows []topicRow
	if err := l.db.NewSelect().Model(&rows).OrderExpr("name").Scan(ctx); err != nil {
		return nil, storeErr(err)
	}
	out := make([]domain.Topic, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.domain())
	}
	return out, nil
}

func (l *Ledger) DeleteTopic(ctx context.Context, id string) error {
	var topic topicRow
	var questions []questionRow

	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := tx.NewSelect().Model(&questions).Where("topic_id = ?", id).Scan(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().Model(&topic).
			Where("id = ?", id).Returning("*").Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return domain.ErrTopicNotFound
		}
		// Questions and their answers fall to ON DELETE CASCADE.
		return nil
	})
	if errors.Is(err, domain.ErrTopicNotFound) {
		return err
	}
	if err != nil {
		return storeErr(err)
	}

	for _, q := range questions {
		l.broker.Publish(domain.ChangeEvent{Table: domain.TableQuestions, Op: domain.OpDelete, Before: domain.Row(q.domain())})
	}
	l.broker.Publish(domain.ChangeEvent{Table: domain.TableTopics, Op: domain.OpDelete, Before: domain.Row(topic.domain())})
	return nil
}

func (l *Ledger) CreateQuestion(ctx context.Context, q domain.Question) (domain.Question, error) {
	q.ID = uuid.NewString()
	q.CreatedAt = l.now()
	row := questionRowFrom(q)
	if _, err := l.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		if isForeignKeyViolation(err) {
			return domain.Question{}, domain.ErrTopicNotFound
		}
		return domain.Question{}, storeErr(err)
	}
	question := row.domain()
	l.broker.Publish(domain.ChangeEvent{Table: domain.TableQuestions, Op: domain.OpInsert, After: domain.Row(question)})
	return question, nil
}

func (l *Ledger) Question(ctx context.Context, id string) (domain.Question, error) {
	var row questionRow
	err := l.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	if err != nil {
		return domain.Question{}, storeErr(err)
	}
	return row.domain(), nil
}

func (l *Ledger) UpdateQuestion(ctx context.Context, q domain.Question) (domain.Question, error) {
	row := questionRowFrom(q)
	res, err := l.db.NewUpdate().Model(&row).
		Column("topic_id", "question_text", "option_a", "option_b", "option_c", "option_d", "correct_option").
		Where("id = ?", q.ID).
		Returning("*").
		Exec(ctx)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.Question{}, domain.ErrTopicNotFound
		}
		return domain.Question{}, storeErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Question{}, storeErr(err)
	}
	if affected == 0 {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	question := row.domain()
	l.broker.Publish(domain.ChangeEvent{Table: domain.TableQuestions, Op: domain.OpUpdate, After: domain.Row(question)})
	return question, nil
}

func (l *Ledger) DeleteQuestion(ctx context.Context, id string) error {
	var row questionRow
	res, err := l.db.NewDelete().Model(&row).Where("id = ?", id).Returning("*").Exec(ctx)
	if err != nil {
		return storeErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if affected == 0 {
		return domain.ErrQuestionNotFound
	}
	l.broker.Publish(domain.ChangeEvent{Table: domain.TableQuestions, Op: domain.OpDelete, Before: domain.Row(row.domain())})
	return nil
}

func (l *Ledger) ListQuestions(ctx context.Context, topicID string) ([]domain.Question, error) {
	var rows []questionRow
	q := l.db.NewSelect().Model(&rows).OrderExpr("created_at, id")
	if topicID != "" {
		q = q.Where("topic_id = ?", topicID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, storeErr(err)
	}
	out := make([]domain.Question, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.domain())
	}
	return out, nil
}

func (l *Ledger) Subscribe(tables ...string) (<-chan domain.ChangeEvent, func()) {
	return l.broker.Subscribe(tables...)
}

func (l *Ledger) updateParticipant(ctx context.Context, id string, build func(*bun.UpdateQuery)) (domain.Participant, error) {
	var row participantRow
	q := l.db.NewUpdate().Model(&row).Where("id = ?", id).Returning("*")
	build(q)

	l.pubMu.Lock()
	defer l.pubMu.Unlock()

	res, err := q.Exec(ctx)
	if err != nil {
		return domain.Participant{}, storeErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Participant{}, storeErr(err)
	}
	if affected == 0 {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}

	participant := row.domain()
	l.broker.Publish(domain.ChangeEvent{
		Table: domain.TableParticipants,
		Op:    domain.OpUpdate,
		After: domain.Row(participant),
	})
	return participant, nil
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == "23503"
}
