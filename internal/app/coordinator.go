package app

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/R4f0so/quiz-corp/internal/domain"
)

// Ledger abstracts the durable record of session, participants, topics,
// questions and answers (in-memory, Postgres, ...). It is the single source
// of truth; every mutation it applies is published on its change stream.
type Ledger interface {
	// Session returns the singleton session row.
	Session(ctx context.Context) (domain.Session, error)
	// TransitionPhase atomically moves the session from `from` to `to`,
	// stamping or clearing timestamps for the target phase. An empty `from`
	// matches any phase. When the current phase differs from `from` the
	// session is left untouched and an InvalidTransitionError is returned,
	// so concurrent identical transitions resolve to exactly one winner.
	TransitionPhase(ctx context.Context, from, to domain.Phase) (domain.Session, error)
	// WipeParticipants deletes every participant and, by cascade, every
	// answer. Topics and questions survive. Idempotent.
	WipeParticipants(ctx context.Context) error

	ParticipantByKey(ctx context.Context, externalKey string) (domain.Participant, error)
	Participant(ctx context.Context, id string) (domain.Participant, error)
	// CreateParticipant inserts a new row for p.ExternalKey. If a concurrent
	// login already created the row, the existing row is returned with
	// created=false.
	CreateParticipant(ctx context.Context, p domain.Participant) (domain.Participant, bool, error)
	SetConnected(ctx context.Context, id string, connected bool) (domain.Participant, error)
	SetParticipantStatus(ctx context.Context, id string, status domain.ParticipantStatus) (domain.Participant, error)
	// ListParticipants returns all participants, newest first.
	ListParticipants(ctx context.Context) ([]domain.Participant, error)

	// RecordAnswer persists the answer and, in the same atomic step, adds
	// `award` to the participant's score. Returns the updated score, or
	// ErrDuplicateAnswer (without any score change) when an answer for the
	// participant/question pair already exists.
	RecordAnswer(ctx context.Context, a domain.Answer, award int) (int, error)

	CreateTopic(ctx context.Context, t domain.Topic) (domain.Topic, error)
	ListTopics(ctx context.Context) ([]domain.Topic, error)
	// DeleteTopic removes the topic, its questions and their answers.
	DeleteTopic(ctx context.Context, id string) error
	CreateQuestion(ctx context.Context, q domain.Question) (domain.Question, error)
	Question(ctx context.Context, id string) (domain.Question, error)
	UpdateQuestion(ctx context.Context, q domain.Question) (domain.Question, error)
	DeleteQuestion(ctx context.Context, id string) error
	// ListQuestions returns all questions, or only those of topicID when
	// topicID is non-empty.
	ListQuestions(ctx context.Context, topicID string) ([]domain.Question, error)

	// Subscribe returns a change-event stream for the given tables (all
	// tables when none are named).
	Subscribe(tables ...string) (<-chan domain.ChangeEvent, func())
}

// QuestionBank serves the read path for the participant question sequence,
// typically through a TTL cache in front of the ledger.
type QuestionBank interface {
	Questions(ctx context.Context) ([]domain.Question, error)
}

// DefaultTeams is the two-team set used when configuration names none.
var DefaultTeams = []domain.Team{"A", "B"}

// DefaultPointsPerCorrect is the fixed award for a correct answer.
const DefaultPointsPerCorrect = 100

const (
	readRetries    = 2
	readRetryDelay = 150 * time.Millisecond
)

// Options tune a Coordinator.
type Options struct {
	Teams            []domain.Team
	PointsPerCorrect int
	Logger           zerolog.Logger
	Clock            func() time.Time
}

// Coordinator owns the session state machine, the participant registry and
// the answer submission pipeline on top of a Ledger.
type Coordinator struct {
	ledger Ledger
	bank   QuestionBank
	teams  []domain.Team
	award  int
	clock  func() time.Time
	logger zerolog.Logger
}

func NewCoordinator(ledger Ledger, bank QuestionBank, opts Options) *Coordinator {
	teams := opts.Teams
	if len(teams) == 0 {
		teams = DefaultTeams
	}
	award := opts.PointsPerCorrect
	if award <= 0 {
		award = DefaultPointsPerCorrect
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		ledger: ledger,
		bank:   bank,
		teams:  teams,
		award:  award,
		clock:  clock,
		logger: opts.Logger.With().Str("component", "coordinator").Logger(),
	}
}

// Teams returns the configured team set in order.
func (c *Coordinator) Teams() []domain.Team {
	out := make([]domain.Team, len(c.teams))
	copy(out, c.teams)
	return out
}

// Session returns the current session snapshot. Transient store failures are
// retried here; reads are safe to repeat.
func (c *Coordinator) Session(ctx context.Context) (domain.Session, error) {
	var sess domain.Session
	err := c.retryRead(ctx, func() error {
		var err error
		sess, err = c.ledger.Session(ctx)
		return err
	})
	return sess, err
}

// StartQuiz moves the session from waiting to active. Starting an empty room
// is rejected: at least one connected participant is required.
func (c *Coordinator) StartQuiz(ctx context.Context) (domain.Session, error) {
	participants, err := c.ledger.ListParticipants(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	connected := 0
	for _, p := range participants {
		if p.Connected {
			connected++
		}
	}
	if connected == 0 {
		return domain.Session{}, domain.Invalidf("participants", "at least one connected participant is required to start")
	}

	sess, err := c.ledger.TransitionPhase(ctx, domain.PhaseWaiting, domain.PhaseActive)
	if err != nil {
		return domain.Session{}, err
	}
	c.logger.Info().Time("startedAt", *sess.StartedAt).Msg("quiz started")
	return sess, nil
}

// EndQuiz moves the session from active to finished.
func (c *Coordinator) EndQuiz(ctx context.Context) (domain.Session, error) {
	sess, err := c.ledger.TransitionPhase(ctx, domain.PhaseActive, domain.PhaseFinished)
	if err != nil {
		return domain.Session{}, err
	}
	c.logger.Info().Msg("quiz ended")
	return sess, nil
}

// ResetQuiz wipes all participants and answers and returns the session to
// waiting with cleared timestamps. Topics and questions survive. The wipe
// runs first and the phase flip last: if the wipe fails the phase is left
// unchanged and the whole reset can simply be retried.
func (c *Coordinator) ResetQuiz(ctx context.Context) (domain.Session, error) {
	if err := c.ledger.WipeParticipants(ctx); err != nil {
		return domain.Session{}, err
	}
	sess, err := c.ledger.TransitionPhase(ctx, "", domain.PhaseWaiting)
	if err != nil {
		return domain.Session{}, err
	}
	c.logger.Info().Msg("quiz reset")
	return sess, nil
}

// Login registers a participant or resumes an existing one by external key.
// A new key without a team choice returns ErrTeamRequired so the caller can
// re-prompt; the team argument is ignored for existing keys (the first
// registration wins the team assignment).
func (c *Coordinator) Login(ctx context.Context, externalKey string, team domain.Team) (domain.LoginResult, error) {
	externalKey = strings.TrimSpace(externalKey)
	if externalKey == "" {
		return domain.LoginResult{}, domain.Invalidf("externalKey", "must not be empty")
	}

	existing, err := c.ledger.ParticipantByKey(ctx, externalKey)
	switch {
	case err == nil:
		refreshed, err := c.ledger.SetConnected(ctx, existing.ID, true)
		if err != nil {
			return domain.LoginResult{}, err
		}
		return domain.LoginResult{Participant: refreshed}, nil
	case !errors.Is(err, domain.ErrParticipantNotFound):
		return domain.LoginResult{}, err
	}

	if team == "" {
		return domain.LoginResult{}, domain.ErrTeamRequired
	}
	if !c.knownTeam(team) {
		return domain.LoginResult{}, domain.Invalidf("team", "unknown team %q", team)
	}

	p, created, err := c.ledger.CreateParticipant(ctx, domain.Participant{
		ExternalKey: externalKey,
		Team:        team,
		Status:      domain.StatusWaiting,
		Connected:   true,
	})
	if err != nil {
		return domain.LoginResult{}, err
	}
	if created {
		c.logger.Info().Str("participant", p.ID).Str("team", string(team)).Msg("participant registered")
	}
	return domain.LoginResult{Participant: p, Created: created}, nil
}

// Disconnect marks the participant as no longer connected.
func (c *Coordinator) Disconnect(ctx context.Context, participantID string) error {
	_, err := c.ledger.SetConnected(ctx, participantID, false)
	return err
}

// SetStatus writes the participant's self-reported status. Only enum
// membership is checked: clients report on page mount, so drift such as
// answering back to waiting is tolerated.
func (c *Coordinator) SetStatus(ctx context.Context, participantID string, status domain.ParticipantStatus) (domain.Participant, error) {
	if !domain.ValidStatus(status) {
		return domain.Participant{}, domain.Invalidf("status", "unknown status %q", status)
	}
	return c.ledger.SetParticipantStatus(ctx, participantID, status)
}

// ListParticipants returns all participants, newest first. Retried on
// transient store failures.
func (c *Coordinator) ListParticipants(ctx context.Context) ([]domain.Participant, error) {
	var out []domain.Participant
	err := c.retryRead(ctx, func() error {
		var err error
		out, err = c.ledger.ListParticipants(ctx)
		return err
	})
	return out, err
}

// TeamTotals folds the participant set into per-team score and member count.
// Every configured team appears in the result, including empty ones. Ties are
// left to the caller.
func (c *Coordinator) TeamTotals(participants []domain.Participant) map[domain.Team]domain.TeamTotals {
	totals := make(map[domain.Team]domain.TeamTotals, len(c.teams))
	for _, team := range c.teams {
		totals[team] = domain.TeamTotals{}
	}
	for _, p := range participants {
		t, ok := totals[p.Team]
		if !ok {
			continue
		}
		t.Score += p.Score
		t.Count++
		totals[p.Team] = t
	}
	return totals
}

// SubmitAnswer validates and records one answer, awarding points exactly once
// per participant/question pair. Correctness is computed from the question's
// correct option at this instant and snapshotted on the answer row.
func (c *Coordinator) SubmitAnswer(ctx context.Context, participantID, questionID string, selected domain.Option) (domain.SubmitResult, error) {
	if !domain.ValidOption(selected) {
		return domain.SubmitResult{}, domain.Invalidf("option", "unknown option %q", selected)
	}
	if _, err := c.ledger.Participant(ctx, participantID); err != nil {
		return domain.SubmitResult{}, err
	}
	question, err := c.ledger.Question(ctx, questionID)
	if err != nil {
		return domain.SubmitResult{}, err
	}

	correct := question.CorrectOption == selected
	award := 0
	if correct {
		award = c.award
	}

	newScore, err := c.ledger.RecordAnswer(ctx, domain.Answer{
		ParticipantID:  participantID,
		QuestionID:     questionID,
		SelectedOption: selected,
		IsCorrect:      correct,
	}, award)
	if err != nil {
		return domain.SubmitResult{}, err
	}
	return domain.SubmitResult{
		QuestionID: questionID,
		IsCorrect:  correct,
		Awarded:    award,
		NewScore:   newScore,
	}, nil
}

// QuestionsFor returns the full question bank in a fresh participant-local
// random order. A reconnect may reshuffle; correctness depends only on the
// per-question answered set, never on position.
func (c *Coordinator) QuestionsFor(ctx context.Context, participantID string) ([]domain.Question, error) {
	if _, err := c.ledger.Participant(ctx, participantID); err != nil {
		return nil, err
	}
	questions, err := c.bank.Questions(ctx)
	if err != nil {
		return nil, err
	}
	shuffled := make([]domain.Question, len(questions))
	copy(shuffled, questions)
	rnd := rand.New(rand.NewSource(c.clock().UnixNano()))
	rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled, nil
}

// Subscribe exposes the ledger's change stream. Callers must invoke cancel.
// Events during a disconnect window are not replayed: a reconnecting client
// re-fetches current state before resuming the stream.
func (c *Coordinator) Subscribe(tables ...string) (<-chan domain.ChangeEvent, func()) {
	return c.ledger.Subscribe(tables...)
}

func (c *Coordinator) knownTeam(team domain.Team) bool {
	for _, t := range c.teams {
		if t == team {
			return true
		}
	}
	return false
}

// retryRead retries f on transient store failures. Only used for reads;
// state-changing operations are retried by the caller, never here.
func (c *Coordinator) retryRead(ctx context.Context, f func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = f()
		if err == nil || !errors.Is(err, domain.ErrStoreUnavailable) || attempt >= readRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readRetryDelay):
		}
	}
}
