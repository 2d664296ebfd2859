package domain

import "time"

// SessionID is the fixed identifier of the singleton session row.
const SessionID = "00000000-0000-0000-0000-000000000001"

// Phase is the lifecycle state of the shared quiz session.
type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhaseActive   Phase = "active"
	PhaseFinished Phase = "finished"
)

// ValidPhase reports whether p is a known lifecycle phase.
func ValidPhase(p Phase) bool {
	switch p {
	case PhaseWaiting, PhaseActive, PhaseFinished:
		return true
	}
	return false
}

// ParticipantStatus is the self-reported progress of one participant.
type ParticipantStatus string

const (
	StatusWaiting   ParticipantStatus = "waiting"
	StatusAnswering ParticipantStatus = "answering"
	StatusFinished  ParticipantStatus = "finished"
)

// ValidStatus reports whether s is a known participant status.
func ValidStatus(s ParticipantStatus) bool {
	switch s {
	case StatusWaiting, StatusAnswering, StatusFinished:
		return true
	}
	return false
}

// Team identifies one of the configured teams.
type Team string

// Option is one of the four answer choices of a question.
type Option string

const (
	OptionA Option = "A"
	OptionB Option = "B"
	OptionC Option = "C"
	OptionD Option = "D"
)

// Options lists all answer choices in display order.
var Options = []Option{OptionA, OptionB, OptionC, OptionD}

// ValidOption reports whether o is one of A, B, C or D.
func ValidOption(o Option) bool {
	switch o {
	case OptionA, OptionB, OptionC, OptionD:
		return true
	}
	return false
}

// Session is the singleton lifecycle record shared by every client.
// StartedAt is set while the phase has reached active since the last reset;
// FinishedAt is set while the phase is finished; a reset clears both.
type Session struct {
	ID         string     `json:"id"`
	Phase      Phase      `json:"phase"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Participant is one registered quiz-taker, keyed by a caller-supplied
// stable external key. Re-login with the same key resumes the same row.
type Participant struct {
	ID          string            `json:"id"`
	ExternalKey string            `json:"externalKey"`
	Team        Team              `json:"team"`
	Status      ParticipantStatus `json:"status"`
	Score       int               `json:"score"`
	Connected   bool              `json:"connected"`
	LastSeen    time.Time         `json:"lastSeen"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Topic groups questions. Deleting a topic cascades to its questions and
// their answers.
type Topic struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Question is a four-option multiple choice question.
type Question struct {
	ID            string    `json:"id"`
	TopicID       string    `json:"topicId"`
	Text          string    `json:"text"`
	OptionA       string    `json:"optionA"`
	OptionB       string    `json:"optionB"`
	OptionC       string    `json:"optionC"`
	OptionD       string    `json:"optionD"`
	CorrectOption Option    `json:"correctOption"`
	CreatedAt     time.Time `json:"createdAt"`
}

// OptionText returns the text of the given choice.
func (q Question) OptionText(o Option) string {
	switch o {
	case OptionA:
		return q.OptionA
	case OptionB:
		return q.OptionB
	case OptionC:
		return q.OptionC
	case OptionD:
		return q.OptionD
	}
	return ""
}

// Answer records one participant's choice for one question. IsCorrect is a
// snapshot of the question's correct option at submission time; later edits
// to the question do not rewrite it.
type Answer struct {
	ID             string    `json:"id"`
	ParticipantID  string    `json:"participantId"`
	QuestionID     string    `json:"questionId"`
	SelectedOption Option    `json:"selectedOption"`
	IsCorrect      bool      `json:"isCorrect"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SubmitResult is the immediate feedback returned to a submitting participant.
type SubmitResult struct {
	QuestionID string `json:"questionId"`
	IsCorrect  bool   `json:"isCorrect"`
	Awarded    int    `json:"awarded"`
	NewScore   int    `json:"newScore"`
}

// TeamTotals aggregates one team's member count and summed score.
type TeamTotals struct {
	Score int `json:"score"`
	Count int `json:"count"`
}

// LoginResult reports the participant snapshot and whether the row was
// created by this call.
type LoginResult struct {
	Participant Participant `json:"participant"`
	Created     bool        `json:"created"`
}
