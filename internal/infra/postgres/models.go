package postgres

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/R4f0so/quiz-corp/internal/domain"
)

type sessionRow struct {
	bun.BaseModel `bun:"table:quiz_session"`

	ID         string     `bun:"id,pk"`
	Phase      string     `bun:"phase,notnull"`
	StartedAt  *time.Time `bun:"started_at"`
	FinishedAt *time.Time `bun:"finished_at"`
	UpdatedAt  time.Time  `bun:"updated_at,notnull"`
}

func (r sessionRow) domain() domain.Session {
	return domain.Session{
		ID:         r.ID,
		Phase:      domain.Phase(r.Phase),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

type participantRow struct {
	bun.BaseModel `bun:"table:participants"`

	ID          string    `bun:"id,pk"`
	ExternalKey string    `bun:"external_key,notnull"`
	Team        string    `bun:"team,notnull"`
	Status      string    `bun:"status,notnull"`
	Score       int       `bun:"score,notnull"`
	Connected   bool      `bun:"connected,notnull"`
	LastSeen    time.Time `bun:"last_seen,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

func (r participantRow) domain() domain.Participant {
	return domain.Participant{
		ID:          r.ID,
		ExternalKey: r.ExternalKey,
		Team:        domain.Team(r.Team),
		Status:      domain.ParticipantStatus(r.Status),
		Score:       r.Score,
		Connected:   r.Connected,
		LastSeen:    r.LastSeen,
		CreatedAt:   r.CreatedAt,
	}
}

type topicRow struct {
	bun.BaseModel `bun:"table:topics"`

	ID        string    `bun:"id,pk"`
	Name      string    `bun:"name,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

func (r topicRow) domain() domain.Topic {
	return domain.Topic{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt}
}

type questionRow struct {
	bun.BaseModel `bun:"table:questions"`

	ID            string    `bun:"id,pk"`
	TopicID       string    `bun:"topic_id,notnull"`
	QuestionText  string    `bun:"question_text,notnull"`
	OptionA       string    `bun:"option_a,notnull"`
	OptionB       string    `bun:"option_b,notnull"`
	OptionC       string    `bun:"option_c,notnull"`
	OptionD       string    `bun:"option_d,notnull"`
	CorrectOption string    `bun:"correct_option,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

func (r questionRow) domain() domain.Question {
	return domain.Question{
		ID:            r.ID,
		TopicID:       r.TopicID,
		Text:          r.QuestionText,
		OptionA:       r.OptionA,
		OptionB:       r.OptionB,
		OptionC:       r.OptionC,
		OptionD:       r.OptionD,
		CorrectOption: domain.Option(r.CorrectOption),
		CreatedAt:     r.CreatedAt,
	}
}

func questionRowFrom(q domain.Question) questionRow {
	return questionRow{
		ID:            q.ID,
		TopicID:       q.TopicID,
		QuestionText:  q.Text,
		OptionA:       q.OptionA,
		OptionB:       q.OptionB,
		OptionC:       q.OptionC,
		OptionD:       q.OptionD,
		CorrectOption: string(q.CorrectOption),
		CreatedAt:     q.CreatedAt,
	}
}

type answerRow struct {
	bun.BaseModel `bun:"table:answers"`

	ID             string    `bun:"id,pk"`
	ParticipantID  string    `bun:"participant_id,notnull"`
	QuestionID     string    `bun:"question_id,notnull"`
	SelectedOption string    `bun:"selected_option,notnull"`
	IsCorrect      bool      `bun:"is_correct,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
}

func (r answerRow) domain() domain.Answer {
	return domain.Answer{
		ID:             r.ID,
		ParticipantID:  r.ParticipantID,
		QuestionID:     r.QuestionID,
		SelectedOption: domain.Option(r.SelectedOption),
		IsCorrect:      r.IsCorrect,
		CreatedAt:      r.CreatedAt,
	}
}
