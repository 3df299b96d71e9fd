// Package handlers exposes good-till-triggered orders over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tradeforge/oms/internal/clients/broker"
	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/internal/modules/gtt"
	"github.com/tradeforge/oms/internal/server"
)

// Handler serves GTT endpoints.
type Handler struct {
	service *gtt.Service
}

// New creates the handler.
func New(service *gtt.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the GTT routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/gtt", func(r chi.Router) {
		r.Post("/", h.place)
		r.Get("/", h.list)
		r.Post("/sync", h.sync)
		r.Get("/{gttID}", h.get)
		r.Patch("/{gttID}", h.modify)
		r.Delete("/{gttID}", h.remove)
	})
}

type gttRequest struct {
	TradingAccountID int64 `json:"trading_account_id"`
	broker.GTTRequest
}

func (h *Handler) place(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())

	var req gttRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.RespondError(w, r, domain.BadRequest("invalid JSON body"))
		return
	}

	trigger, err := h.service.Place(r.Context(), caller, req.TradingAccountID, req.GTTRequest)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusCreated, trigger)
}

func (h *Handler) modify(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	gttID, err := strconv.ParseInt(chi.URLParam(r, "gttID"), 10, 64)
	if err != nil || gttID <= 0 {
		server.RespondError(w, r, domain.ValidationError("invalid gtt id"))
		return
	}

	var req gttRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.RespondError(w, r, domain.BadRequest("invalid JSON body"))
		return
	}

	trigger, err := h.service.Modify(r.Context(), caller, req.TradingAccountID, gttID, req.GTTRequest)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, trigger)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	gttID, err := strconv.ParseInt(chi.URLParam(r, "gttID"), 10, 64)
	if err != nil || gttID <= 0 {
		server.RespondError(w, r, domain.ValidationError("invalid gtt id"))
		return
	}
	accountID, err := strconv.ParseInt(r.URL.Query().Get("trading_account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		server.RespondError(w, r, domain.ValidationError("trading_account_id query parameter is required"))
		return
	}

	trigger, err := h.service.Get(r.Context(), caller, accountID, gttID)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, trigger)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	gttID, err := strconv.ParseInt(chi.URLParam(r, "gttID"), 10, 64)
	if err != nil || gttID <= 0 {
		server.RespondError(w, r, domain.ValidationError("invalid gtt id"))
		return
	}
	accountID, err := strconv.ParseInt(r.URL.Query().Get("trading_account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		server.RespondError(w, r, domain.ValidationError("trading_account_id query parameter is required"))
		return
	}

	if err := h.service.Delete(r.Context(), caller, accountID, gttID); err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	accountID, err := strconv.ParseInt(r.URL.Query().Get("trading_account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		server.RespondError(w, r, domain.ValidationError("trading_account_id query parameter is required"))
		return
	}

	list, err := h.service.List(r.Context(), caller, accountID)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]interface{}{"triggers": list})
}

// sync forces a cache refresh from the broker for one account.
func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	accountID, err := strconv.ParseInt(r.URL.Query().Get("trading_account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		server.RespondError(w, r, domain.ValidationError("trading_account_id query parameter is required"))
		return
	}
	if !caller.CanAccess(accountID) {
		server.RespondError(w, r, domain.Forbidden("no access to trading account"))
		return
	}

	if err := h.service.Sync(r.Context(), accountID); err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}
