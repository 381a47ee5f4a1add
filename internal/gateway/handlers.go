package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"cryptoops/internal/model"
)

const (
	userHeader     = "X-User-ID"
	defaultResults = 50
	maxResults     = 500
)

// OperationConfigRequest creates or edits a user's alert thresholds for one
// symbol. Operate is left untouched when omitted.
type OperationConfigRequest struct {
	Symbol    string      `json:"symbol" validate:"required,alphanum,min=5,max=20"`
	AlertUp   json.Number `json:"alert_up" validate:"required"`
	AlertDown json.Number `json:"alert_down" validate:"required"`
	Operate   *bool       `json:"operate"`
	Status    *bool       `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// PutOperationConfig handles POST /operation-config.
func (s *Server) PutOperationConfig(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, userHeader+" header is required")
		return
	}

	var req OperationConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := model.Validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeError(w, http.StatusUnprocessableEntity, model.FieldErrors(verrs))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	up, err := parseThreshold("alert_up", req.AlertUp)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	down, err := parseThreshold("alert_down", req.AlertDown)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	symbol := strings.ToUpper(req.Symbol)
	apply := func(p *model.PositionConfig) error {
		p.AlertUp = up
		p.AlertDown = down
		if req.Operate != nil {
			p.Operate = *req.Operate
		}
		if req.Status != nil {
			p.Status = *req.Status
		}
		return nil
	}

	cfg, err := s.positions.Update(ctx, symbol, userID, apply)
	if errors.Is(err, model.ErrNotFound) {
		cfg = model.NewPositionConfig(symbol, userID, up, down)
		apply(&cfg)
		err = s.positions.Put(ctx, cfg)
	}
	if err != nil {
		if errors.Is(err, model.ErrMalformedRecord) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		log.Printf("[gateway] save operation config %s/%s: %v", symbol, userID, err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	log.Printf("[gateway] operation config %s/%s up=%s down=%s operate=%v", symbol, userID, cfg.AlertUp, cfg.AlertDown, cfg.Operate)
	writeJSON(w, http.StatusOK, cfg)
}

// GetOperationConfig handles GET /operation-config/{symbol}.
func (s *Server) GetOperationConfig(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, userHeader+" header is required")
		return
	}
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	cfg, err := s.positions.Get(r.Context(), symbol, userID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "no operation config for "+symbol)
	case err != nil:
		log.Printf("[gateway] get operation config %s/%s: %v", symbol, userID, err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		writeJSON(w, http.StatusOK, cfg)
	}
}

// GetResults handles GET /results/{symbol}?limit=N, returning the caller's
// most recent N trades in execution order.
func (s *Server) GetResults(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, userHeader+" header is required")
		return
	}
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	limit := int64(defaultResults)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxResults)
	}

	results, err := s.ledger.ListForUser(r.Context(), symbol, userID, limit)
	if err != nil {
		log.Printf("[gateway] list results %s/%s: %v", symbol, userID, err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if results == nil {
		results = []model.TradeResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func parseThreshold(field string, n json.Number) (model.Price, error) {
	p, err := model.ParsePrice(n.String())
	if err != nil {
		return model.Price{}, errors.New(field + ": " + err.Error())
	}
	if p.IsNegative() {
		return model.Price{}, errors.New(field + " must not be negative")
	}
	return p, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[gateway] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
