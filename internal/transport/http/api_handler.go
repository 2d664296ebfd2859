package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/R4f0so/quiz-corp/internal/app"
	"github.com/R4f0so/quiz-corp/internal/domain"
)

// APIHandler exposes the coordinator over REST for the admin dashboard and
// for clients that cannot hold a websocket open.
type APIHandler struct {
	coordinator *app.Coordinator
	logger      zerolog.Logger
}

func NewAPIHandler(coordinator *app.Coordinator, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		coordinator: coordinator,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// NewRouter assembles the full HTTP surface: REST endpoints, the websocket
// upgrade path and the health probe.
func NewRouter(api *APIHandler, ws *WSHandler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", ws.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/session", api.getSession)
		r.Post("/session/start", api.startSession)
		r.Post("/session/end", api.endSession)
		r.Post("/session/reset", api.resetSession)

		r.Get("/participants", api.listParticipants)
		r.Get("/teams", api.teamTotals)

		r.Get("/topics", api.listTopics)
		r.Post("/topics", api.createTopic)
		r.Delete("/topics/{id}", api.deleteTopic)

		r.Get("/questions", api.listQuestions)
		r.Post("/questions", api.createQuestion)
		r.Put("/questions/{id}", api.updateQuestion)
		r.Delete("/questions/{id}", api.deleteQuestion)
	})

	return r
}

func (h *APIHandler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.coordinator.Session(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, sess)
}

func (h *APIHandler) startSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.coordinator.StartQuiz(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, sess)
}

func (h *APIHandler) endSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.coordinator.EndQuiz(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, sess)
}

func (h *APIHandler) resetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.coordinator.ResetQuiz(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, sess)
}

func (h *APIHandler) listParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.coordinator.ListParticipants(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, participants)
}

// teamTotals returns the scoreboard as a team-keyed object. Every configured
// team appears even when it has no participants yet.
func (h *APIHandler) teamTotals(w http.ResponseWriter, r *http.Request) {
	participants, err := h.coordinator.ListParticipants(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, h.coordinator.TeamTotals(participants))
}

type createTopicRequest struct {
	Name string `json:"name"`
}

func (h *APIHandler) createTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondJSON(w, http.StatusBadRequest, errorPayload{Code: codeBadRequest, Message: "invalid request body"})
		return
	}
	topic, err := h.coordinator.CreateTopic(r.Context(), req.Name)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, topic)
}

func (h *APIHandler) listTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := h.coordinator.ListTopics(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, topics)
}

func (h *APIHandler) deleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.DeleteTopic(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) createQuestion(w http.ResponseWriter, r *http.Request) {
	var q domain.Question
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		h.respondJSON(w, http.StatusBadRequest, errorPayload{Code: codeBadRequest, Message: "invalid request body"})
		return
	}
	created, err := h.coordinator.CreateQuestion(r.Context(), q)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, created)
}

func (h *APIHandler) listQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.coordinator.ListQuestions(r.Context(), r.URL.Query().Get("topicId"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, questions)
}

func (h *APIHandler) updateQuestion(w http.ResponseWriter, r *http.Request) {
	var q domain.Question
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		h.respondJSON(w, http.StatusBadRequest, errorPayload{Code: codeBadRequest, Message: "invalid request body"})
		return
	}
	q.ID = chi.URLParam(r, "id")
	updated, err := h.coordinator.UpdateQuestion(r.Context(), q)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

func (h *APIHandler) deleteQuestion(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.DeleteQuestion(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("response encode failed")
	}
}

func (h *APIHandler) respondError(w http.ResponseWriter, err error) {
	h.logger.Debug().Err(err).Msg("request failed")
	h.respondJSON(w, errorStatus(err), errorPayload{Code: errorCode(err), Message: err.Error()})
}
