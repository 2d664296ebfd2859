package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/R4f0so/quiz-corp/internal/app"
	"github.com/R4f0so/quiz-corp/internal/domain"
)

// PresenceMarker mirrors connectivity into a shared liveness store. Optional;
// a nil marker disables it.
type PresenceMarker interface {
	Mark(ctx context.Context, participantID string) error
	Clear(ctx context.Context, participantID string) error
}

// WSHandler upgrades clients to websockets and wires them into the
// coordinator. Participants connect with ?key= (and ?team= on first login);
// the admin dashboard connects with ?role=admin.
type WSHandler struct {
	coordinator *app.Coordinator
	presence    PresenceMarker
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
}

func NewWSHandler(coordinator *app.Coordinator, presence PresenceMarker, logger zerolog.Logger) *WSHandler {
	return &WSHandler{
		coordinator: coordinator,
		presence:    presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "ws").Logger(),
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	QuestionID string        `json:"questionId"`
	Option     domain.Option `json:"option"`
}

type statusPayload struct {
	Status domain.ParticipantStatus `json:"status"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

// ServeWS handles one client connection for its whole lifetime. On connect
// the client receives fresh session and participant snapshots before any
// change events: events missed while disconnected are never replayed, so
// reconnection is always snapshot-then-stream.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	isAdmin := r.URL.Query().Get("role") == "admin"
	externalKey := r.URL.Query().Get("key")
	team := domain.Team(r.URL.Query().Get("team"))
	if !isAdmin && externalKey == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	ctx := r.Context()

	var participant domain.Participant
	if !isAdmin {
		login, err := h.coordinator.Login(ctx, externalKey, team)
		if err != nil {
			_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{
				Code:    errorCode(err),
				Message: err.Error(),
			}})
			return
		}
		participant = login.Participant
		if h.presence != nil {
			_ = h.presence.Mark(ctx, participant.ID)
		}
		defer func() {
			_ = h.coordinator.Disconnect(context.Background(), participant.ID)
			if h.presence != nil {
				_ = h.presence.Clear(context.Background(), participant.ID)
			}
		}()
	}

	tables := []string{domain.TableSession, domain.TableParticipants}
	if isAdmin {
		tables = append(tables, domain.TableTopics, domain.TableQuestions)
	}
	updates, cancel := h.coordinator.Subscribe(tables...)
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}()

	// trySend gives up once the writer has exited so a dead connection can
	// never wedge the read loop behind a full buffer.
	trySend := func(msg outboundMessage[any]) {
		select {
		case send <- msg:
		case <-writerDone:
		}
	}

	go func() {
		defer close(updatesDone)
		for {
			select {
			case ev, ok := <-updates:
				if !ok {
					// Evicted for falling behind: drop the connection so
					// the client reconnects and resyncs from a snapshot.
					conn.Close()
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "change", Payload: ev}:
				case <-closeSignals:
					return
				case <-writerDone:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	if err := h.sendSnapshot(ctx, trySend, participant, isAdmin); err != nil {
		h.logger.Warn().Err(err).Msg("snapshot failed")
		close(closeSignals)
		<-updatesDone
		close(send)
		<-writerDone
		return
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		h.handleInbound(ctx, trySend, inbound, participant, isAdmin)
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func (h *WSHandler) sendSnapshot(ctx context.Context, send func(outboundMessage[any]), participant domain.Participant, isAdmin bool) error {
	sess, err := h.coordinator.Session(ctx)
	if err != nil {
		return err
	}
	participants, err := h.coordinator.ListParticipants(ctx)
	if err != nil {
		return err
	}

	if !isAdmin {
		send(outboundMessage[any]{Type: "joined", Payload: participant})
	}
	send(outboundMessage[any]{Type: "session", Payload: sess})
	send(outboundMessage[any]{Type: "participants", Payload: participants})

	if !isAdmin {
		questions, err := h.coordinator.QuestionsFor(ctx, participant.ID)
		if err != nil {
			return err
		}
		send(outboundMessage[any]{Type: "questions", Payload: questions})
	}
	return nil
}

func (h *WSHandler) handleInbound(ctx context.Context, send func(outboundMessage[any]), inbound inboundMessage, participant domain.Participant, isAdmin bool) {
	switch inbound.Type {
	case "answer":
		if isAdmin {
			h.sendError(send, "answer", domain.Invalidf("role", "admin cannot submit answers"))
			return
		}
		var payload answerPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			send(outboundMessage[any]{Type: "error", Payload: errorPayload{Code: codeBadRequest, Message: "invalid answer payload"}})
			return
		}
		result, err := h.coordinator.SubmitAnswer(ctx, participant.ID, payload.QuestionID, payload.Option)
		if err != nil {
			h.sendError(send, "answer", err)
			return
		}
		send(outboundMessage[any]{Type: "answerResult", Payload: result})

	case "status":
		if isAdmin {
			h.sendError(send, "status", domain.Invalidf("role", "admin has no status"))
			return
		}
		var payload statusPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			send(outboundMessage[any]{Type: "error", Payload: errorPayload{Code: codeBadRequest, Message: "invalid status payload"}})
			return
		}
		if _, err := h.coordinator.SetStatus(ctx, participant.ID, payload.Status); err != nil {
			h.sendError(send, "status", err)
		}

	case "start", "end", "reset":
		if !isAdmin {
			h.sendError(send, inbound.Type, domain.Invalidf("role", "only the admin controls the session"))
			return
		}
		var sess domain.Session
		var err error
		switch inbound.Type {
		case "start":
			sess, err = h.coordinator.StartQuiz(ctx)
		case "end":
			sess, err = h.coordinator.EndQuiz(ctx)
		case "reset":
			sess, err = h.coordinator.ResetQuiz(ctx)
		}
		if err != nil {
			h.sendError(send, inbound.Type, err)
			return
		}
		send(outboundMessage[any]{Type: "session", Payload: sess})

	default:
		send(outboundMessage[any]{Type: "error", Payload: errorPayload{Code: codeBadRequest, Message: "unsupported message type"}})
	}
}

func (h *WSHandler) sendError(send func(outboundMessage[any]), op string, err error) {
	h.logger.Debug().Err(err).Str("op", op).Msg("client request failed")
	send(outboundMessage[any]{Type: "error", Payload: errorPayload{
		Code:    errorCode(err),
		Message: err.Error(),
	}})
}
