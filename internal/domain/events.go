package domain

import "encoding/json"

// Table names used by the change-notification stream.
const (
	TableSession      = "session"
	TableParticipants = "participants"
	TableTopics       = "topics"
	TableQuestions    = "questions"
	TableAnswers      = "answers"
)

// Op is the kind of mutation a change event describes.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeEvent describes one row mutation. Delivery is at-least-once per
// subscriber; events for the same row are delivered in order, events for
// independent rows may interleave arbitrarily.
type ChangeEvent struct {
	Table  string          `json:"table"`
	Op     Op              `json:"op"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
	// Origin names the instance the event was relayed from. Empty for
	// events produced by the local ledger.
	Origin string `json:"origin,omitempty"`
}

// Row marshals a row snapshot for inclusion in a ChangeEvent. Rows are plain
// structs from this package; marshalling them cannot fail.
func Row(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
