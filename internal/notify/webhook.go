package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Veraticus/taxflow/internal/model"
)

const maxInteractionBody = 1 << 20

// ErrUnsupportedInteraction is returned for payloads that carry no answer.
var ErrUnsupportedInteraction = errors.New("interaction carries no answer")

// NewWebhookRouter serves answer callbacks from the chat integration.
//
//	POST /interactions  form field "payload" (button click) or a JSON answer
//	GET  /healthz
//
// Extra handlers, such as /metrics, can be mounted with mount; middlewares
// wrap every route.
func NewWebhookRouter(handler AnswerHandler, mount map[string]http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	logger := slog.Default().With("component", "notify", "sink", "webhook")
	router := chi.NewRouter()
	router.Use(middlewares...)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	router.Post("/interactions", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxInteractionBody)
		answer, err := parseInteraction(r)
		if err != nil {
			writeError(w, logger, http.StatusBadRequest, err)
			return
		}
		if err := handler.HandleAnswer(r.Context(), answer); err != nil {
			writeError(w, logger, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "accepted",
			"tx_id":  answer.TransactionID,
			"q_id":   answer.QuestionID,
		})
	})

	for path, h := range mount {
		router.Handle(path, h)
	}
	return router
}

type interactionPayload struct {
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

func parseInteraction(r *http.Request) (model.Answer, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return model.Answer{}, fmt.Errorf("read body: %w", err)
		}
		return DecodeAnswer(body)
	}

	if err := r.ParseForm(); err != nil {
		return model.Answer{}, fmt.Errorf("parse form: %w", err)
	}
	raw := r.PostForm.Get("payload")
	if raw == "" {
		return model.Answer{}, ErrUnsupportedInteraction
	}
	var payload interactionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return model.Answer{}, fmt.Errorf("decode payload: %w", err)
	}
	if len(payload.Actions) == 0 {
		return model.Answer{}, ErrUnsupportedInteraction
	}

	action := payload.Actions[0]
	if action.Value != "" {
		if a, err := DecodeAnswer([]byte(action.Value)); err == nil {
			return a, nil
		}
	}
	return answerFromActionID(action.ActionID)
}

// answerFromActionID reads ids of the form answer_<tx>_<q>_<option>.
// Transaction ids contain no underscores and options are taken after the
// last one, so question ids like Q_CLOUD survive.
func answerFromActionID(id string) (model.Answer, error) {
	rest, ok := strings.CutPrefix(id, "answer_")
	if !ok {
		return model.Answer{}, ErrUnsupportedInteraction
	}
	txID, rest, ok := strings.Cut(rest, "_")
	last := strings.LastIndex(rest, "_")
	if !ok || txID == "" || last <= 0 || last == len(rest)-1 {
		return model.Answer{}, fmt.Errorf("malformed action id %q: %w", id, ErrUnsupportedInteraction)
	}
	return model.Answer{
		TransactionID: txID,
		QuestionID:    rest[:last],
		Value:         rest[last+1:],
		ReceivedAt:    time.Now(),
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, err error) {
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "status", status, "error", err)
	} else {
		logger.Warn("Request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
