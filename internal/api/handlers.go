package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/InterviewPipe/internal/models"
)

// conversationView is the GET /conversations/{id} payload.
type conversationView struct {
	Conversation *models.Conversation `json:"conversation"`
	Messages     []models.Message     `json:"messages"`
}

// healthHandler reports liveness and store reachability.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	if bots, err := s.store.ListBots(); err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach the store"
		statusCode = http.StatusServiceUnavailable
	} else {
		healthData["bots"] = len(bots)
	}
	writeJSONResponse(w, statusCode, healthData)
}

func (s *Server) startConversationHandler(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	var req models.StartConversationRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		slog.Warn("Server.startConversationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, "startConversationHandler", err)
		return
	}

	res, err := s.engine.Start(r.Context(), botID, req.Channel)
	if err != nil {
		writeError(w, "startConversationHandler", err)
		return
	}
	slog.Info("Server.startConversationHandler: conversation started", "botID", botID, "conversationID", res.ConversationID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Conversation started", res))
}

func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	var req models.TurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.turnHandler: failed to decode JSON", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, "turnHandler", err)
		return
	}

	res, err := s.engine.HandleTurn(r.Context(), id, req.Message)
	if err != nil {
		writeError(w, "turnHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	conv, msgs, err := s.engine.Conversation(id)
	if err != nil {
		writeError(w, "getConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conversationView{Conversation: conv, Messages: msgs}))
}

func (s *Server) listGapsHandler(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	if _, err := s.store.GetBot(botID); err != nil {
		writeError(w, "listGapsHandler", err)
		return
	}
	list, err := s.store.ListKnowledgeGaps(botID)
	if err != nil {
		writeError(w, "listGapsHandler", err)
		return
	}
	if list == nil {
		list = []models.KnowledgeGap{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}

func (s *Server) detectGapsHandler(w http.ResponseWriter, r *http.Request) {
	if s.detector == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Knowledge gap detection is disabled"))
		return
	}
	botID := chi.URLParam(r, "botID")
	days := 0
	if raw := r.URL.Query().Get("lookbackDays"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n == 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("lookbackDays must be an integer between 1 and %d", models.MaxLookbackDays)))
			return
		}
		days = n
	}

	report, err := s.detector.DetectKnowledgeGaps(r.Context(), botID, days)
	if err != nil {
		writeError(w, "detectGapsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(report))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := decodeJSON(w, r, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
