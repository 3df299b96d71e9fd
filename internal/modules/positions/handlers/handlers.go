// Package handlers exposes the positions book over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/internal/modules/orders"
	"github.com/tradeforge/oms/internal/modules/positions"
	"github.com/tradeforge/oms/internal/server"
)

// Handler serves position endpoints.
type Handler struct {
	tracker      *positions.Tracker
	orderService *orders.Service
}

// New creates the handler.
func New(tracker *positions.Tracker, orderService *orders.Service) *Handler {
	return &Handler{tracker: tracker, orderService: orderService}
}

// RegisterRoutes mounts the position routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/positions", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/summary", h.summary)
		r.Route("/{positionID}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Post("/close", h.close)
			r.Post("/move", h.move)
		})
	})
}

func positionIDFromURL(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "positionID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ValidationError("invalid position id")
	}
	return id, nil
}

func accountFromQuery(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("trading_account_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ValidationError("trading_account_id query parameter is required")
	}
	return id, nil
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	accountID, err := accountFromQuery(r)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	list, err := h.tracker.List(r.Context(), caller, accountID)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	// Mark-to-market fields are derived, not stored.
	type view struct {
		*positions.Position
		UnrealizedPnL string `json:"unrealized_pnl"`
		MarketValue   string `json:"market_value"`
	}
	out := make([]view, 0, len(list))
	for _, p := range list {
		out = append(out, view{
			Position:      p,
			UnrealizedPnL: p.UnrealizedPnL().String(),
			MarketValue:   p.MarketValue().String(),
		})
	}
	server.RespondJSON(w, http.StatusOK, map[string]interface{}{"positions": out})
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	accountID, err := accountFromQuery(r)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	summary, err := h.tracker.Summarize(r.Context(), caller, accountID)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, summary)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	id, err := positionIDFromURL(r)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	pos, err := h.tracker.Get(r.Context(), caller, id)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"position":       pos,
		"unrealized_pnl": pos.UnrealizedPnL().String(),
		"market_value":   pos.MarketValue().String(),
	})
}

type closeRequest struct {
	Quantity int64 `json:"quantity,omitempty"` // 0 means the full position
}

// close squares off a position with an opposite-side market order through
// the normal placement pipeline, so it gets the same risk checks, audit
// trail and quota accounting as any other order.
func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	id, err := positionIDFromURL(r)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	var req closeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			server.RespondError(w, r, domain.BadRequest("invalid JSON body"))
			return
		}
	}

	pos, err := h.tracker.Get(r.Context(), caller, id)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	net := pos.NetQuantity()
	if net == 0 {
		server.RespondError(w, r, domain.Conflict("position is already flat"))
		return
	}

	quantity := req.Quantity
	if quantity == 0 {
		quantity = net
		if quantity < 0 {
			quantity = -quantity
		}
	}

	side := orders.SideSell
	if net < 0 {
		side = orders.SideBuy
	}

	in := &orders.PlaceOrderInput{
		TradingAccountID: pos.TradingAccountID,
		Symbol:           pos.Symbol,
		Exchange:         pos.Exchange,
		Side:             side,
		OrderType:        orders.TypeMarket,
		Product:          pos.Product,
		Validity:         orders.ValidityDay,
		Quantity:         quantity,
	}
	body, _ := json.Marshal(in)

	result, err := h.orderService.Place(r.Context(), caller, in, "", body)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, result.Order)
}

type moveRequest struct {
	ToProduct string `json:"to_product"`
	Quantity  int64  `json:"quantity,omitempty"` // 0 means the full position
}

func (h *Handler) move(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	id, err := positionIDFromURL(r)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.RespondError(w, r, domain.BadRequest("invalid JSON body"))
		return
	}

	pos, err := h.tracker.Get(r.Context(), caller, id)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	quantity := req.Quantity
	if quantity == 0 {
		quantity = pos.NetQuantity()
		if quantity < 0 {
			quantity = -quantity
		}
	}

	err = h.tracker.MoveProduct(r.Context(), caller, pos.TradingAccountID,
		pos.Symbol, pos.Exchange, pos.Product, req.ToProduct, quantity)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]string{"status": "moved"})
}
