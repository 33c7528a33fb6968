package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"nutrilens"
	"nutrilens/nutrition"
	"nutrilens/pipeline"
	"nutrilens/store"

	"github.com/gorilla/mux"
	"github.com/lucsky/cuid"
)

type CreateSessionRequest struct {
	ImageBase64 string `json:"imageBase64"`
}

type AnswerRequest struct {
	ItemIndex  int    `json:"itemIndex"`
	QuestionID string `json:"questionId"`
	OptionID   string `json:"optionId"`
}

type RecalculateRequest struct {
	Items          []nutrilens.FoodItem `json:"items"`
	OriginalTotals nutrilens.Totals     `json:"originalTotals"`
}

type AdjustRequest struct {
	BaseCalories        int               `json:"baseCalories"`
	SelectedIngredients map[string]string `json:"selectedIngredients"`
}

// SessionResponse wraps a snapshot; Error is set when the last stage failed.
type SessionResponse struct {
	Session pipeline.Snapshot `json:"session"`
	Error   string            `json:"error,omitempty"`
}

// decode reads a JSON body into v. On failure it writes the error response
// and returns false.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
	return false
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*pipeline.Session, bool) {
	sess, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	return sess, true
}

// writeStage reports the outcome of a stage-running call. A stage failure
// still carries the session so the caller can offer a retry.
func writeStage(w http.ResponseWriter, status int, sess *pipeline.Session, err error) {
	if err == nil {
		writeJSON(w, status, SessionResponse{Session: sess.Snapshot()})
		return
	}
	if errors.Is(err, nutrilens.ErrDetectionFailed) || errors.Is(err, nutrilens.ErrCalculationFailed) {
		code, message := classify(err)
		writeJSON(w, code, SessionResponse{Session: sess.Snapshot(), Error: message})
		return
	}
	writeErr(w, err)
}

// createSession handles POST /v1/sessions
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decode(w, r, &req) {
		return
	}
	img, err := nutrilens.DecodeImage(req.ImageBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess := s.registry.Create()
	err = sess.Submit(r.Context(), img)
	writeStage(w, http.StatusCreated, sess, err)
}

// getSession handles GET /v1/sessions/{id}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Session: sess.Snapshot()})
}

// abandonSession handles DELETE /v1/sessions/{id}
func (s *Server) abandonSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Abandon(mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// answer handles PUT /v1/sessions/{id}/answers
func (s *Server) answer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req AnswerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := sess.Answer(req.ItemIndex, req.QuestionID, req.OptionID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Session: sess.Snapshot()})
}

// confirm handles POST /v1/sessions/{id}/confirm
func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeStage(w, http.StatusOK, sess, sess.Confirm(r.Context()))
}

// retry handles POST /v1/sessions/{id}/retry
func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeStage(w, http.StatusOK, sess, sess.Retry(r.Context()))
}

// editIngredient handles PUT /v1/sessions/{id}/ingredients
func (s *Server) editIngredient(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var edit pipeline.Edit
	if !decode(w, r, &edit) {
		return
	}
	if err := sess.EditIngredient(edit); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Session: sess.Snapshot()})
}

// recalculateSession handles POST /v1/sessions/{id}/recalculate
func (s *Server) recalculateSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if _, err := sess.Recalculate(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Session: sess.Snapshot()})
}

// saveSession handles POST /v1/sessions/{id}/save
func (s *Server) saveSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if s.meals == nil {
		writeError(w, http.StatusNotImplemented, "meal history is not configured")
		return
	}

	rec, err := sess.Record("")
	if err != nil {
		writeErr(w, err)
		return
	}
	rec.ID = cuid.New()

	if img, ok := sess.Image(); ok && s.images != nil {
		url, err := s.images.Put(r.Context(), store.ImageKey(rec.ID, img), img)
		if err != nil {
			slog.Warn("SERVER: Failed to store meal image", "meal_id", rec.ID, "error", err)
		} else {
			rec.ImageURL = url
		}
	}

	rec, err = s.meals.Save(r.Context(), rec)
	if err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("SERVER: Meal saved", "meal_id", rec.ID, "session_id", sess.ID(), "calories", rec.Calories)

	if s.notifier != nil {
		if err := s.notifier.MealSaved(r.Context(), rec); err != nil {
			slog.Warn("SERVER: Failed to send meal notification", "meal_id", rec.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, rec)
}

// recalculate handles POST /v1/recalculate
func (s *Server) recalculate(w http.ResponseWriter, r *http.Request) {
	var req RecalculateRequest
	if !decode(w, r, &req) {
		return
	}
	res := s.registry.Pipeline().Engine().Recalculate(req.Items, req.OriginalTotals)
	writeJSON(w, http.StatusOK, res)
}

// adjust handles POST /v1/adjust
func (s *Server) adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !decode(w, r, &req) {
		return
	}
	if req.BaseCalories < 0 {
		writeError(w, http.StatusBadRequest, "baseCalories must not be negative")
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Pipeline().Engine().Adjust(req.BaseCalories, req.SelectedIngredients))
}

// categories handles GET /v1/categories, optionally filtered by ?food=
func (s *Server) categories(w http.ResponseWriter, r *http.Request) {
	resolver := s.registry.Pipeline().Resolver()

	var cats []nutrition.Category
	if food := r.URL.Query().Get("food"); food != "" {
		cats = resolver.ApplicableCategories(food)
	} else {
		cats = resolver.Catalog().Categories()
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": cats})
}

// listMeals handles GET /v1/meals
func (s *Server) listMeals(w http.ResponseWriter, r *http.Request) {
	if s.meals == nil {
		writeError(w, http.StatusNotImplemented, "meal history is not configured")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	meals, err := s.meals.List(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"meals": meals})
}

// getMeal handles GET /v1/meals/{id}
func (s *Server) getMeal(w http.ResponseWriter, r *http.Request) {
	if s.meals == nil {
		writeError(w, http.StatusNotImplemented, "meal history is not configured")
		return
	}
	rec, err := s.meals.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// deleteMeal handles DELETE /v1/meals/{id}
func (s *Server) deleteMeal(w http.ResponseWriter, r *http.Request) {
	if s.meals == nil {
		writeError(w, http.StatusNotImplemented, "meal history is not configured")
		return
	}
	if err := s.meals.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resumeMeal handles POST /v1/meals/{id}/resume
func (s *Server) resumeMeal(w http.ResponseWriter, r *http.Request) {
	if s.meals == nil {
		writeError(w, http.StatusNotImplemented, "meal history is not configured")
		return
	}
	rec, err := s.meals.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	sess := s.registry.Resume(rec)
	writeJSON(w, http.StatusCreated, SessionResponse{Session: sess.Snapshot()})
}
