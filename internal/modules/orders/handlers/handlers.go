// Package handlers exposes the order lifecycle over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradeforge/oms/internal/clients/broker"
	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/internal/modules/orders"
	"github.com/tradeforge/oms/internal/server"
)

// maxBodySize bounds request bodies; order payloads are small.
const maxBodySize = 1 << 20

// AccountSyncer reconciles one account's open orders against the broker on
// demand. Implemented by the reconciliation worker.
type AccountSyncer interface {
	SyncAccount(ctx context.Context, accountID int64) error
}

// Handler serves order endpoints.
type Handler struct {
	service   *orders.Service
	ledger    *orders.LedgerRepository
	syncer    AccountSyncer
	brokerAPI broker.API
}

// New creates the handler.
func New(service *orders.Service, ledger *orders.LedgerRepository, syncer AccountSyncer, brokerAPI broker.API) *Handler {
	return &Handler{service: service, ledger: ledger, syncer: syncer, brokerAPI: brokerAPI}
}

// RegisterRoutes mounts the order routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.place)
		r.Post("/batch", h.placeBatch)
		r.Post("/sync", h.sync)
		r.Post("/margins", h.margins)
		r.Post("/margins/basket", h.basketMargins)
		r.Get("/", h.list)
		r.Route("/{orderID}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Patch("/", h.modify)
			r.Delete("/", h.cancel)
			r.Get("/history", h.history)
			r.Get("/trades", h.trades)
		})
	})
	r.Get("/accounts/{accountID}/ledger", h.accountLedger)
	r.Get("/instruments/{token}/historical", h.historical)
}

// sync forces an on-demand reconciliation pass for the caller's account.
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

	if err := h.syncer.SyncAccount(r.Context(), accountID); err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func (h *Handler) place(w http.ResponseWriter, r *http.Request) {
	caller, ok := domain.CallerFrom(r.Context())
	if !ok {
		server.RespondError(w, r, domain.Unauthorized("authentication required"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		server.RespondError(w, r, domain.BadRequest("failed to read request body"))
		return
	}

	var in orders.PlaceOrderInput
	if err := json.Unmarshal(body, &in); err != nil {
		server.RespondError(w, r, domain.BadRequest("invalid JSON body"))
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")

	result, err := h.service.Place(r.Context(), caller, &in, idemKey, body)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	if result.Replayed {
		w.Header().Set("X-Idempotency-Replay", "true")
		w.Header().Set("Content-Type", "application/json")
		status := result.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write(result.Response)
		return
	}

	server.RespondJSON(w, http.StatusOK, result.Order)
}

func (h *Handler) placeBatch(w http.ResponseWriter, r *http.Request) {
	caller, ok := domain.CallerFrom(r.Context())
	if !ok {
		server.RespondError(w, r, domain.Unauthorized("authentication required"))
		return
	}

	var in orders.BatchInput
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&in); err != nil {
		server.RespondError(w, r, domain.BadRequest("invalid JSON body"))
		return
	}

	result, err := h.service.PlaceBatch(r.Context(), caller, &in)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	server.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	orderID, err := pathInt64(r, "orderID")
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	order, err := h.service.Get(r.Context(), caller, orderID)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, order)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	orderID, err := pathInt64(r, "orderID")
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	history, err := h.service.History(r.Context(), caller, orderID)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

func (h *Handler) trades(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	orderID, err := pathInt64(r, "orderID")
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	trades, err := h.service.Trades(r.Context(), caller, orderID)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())

	accountID, err := queryInt64(r, "trading_account_id")
	if err != nil || accountID == 0 {
		server.RespondError(w, r, domain.ValidationError("trading_account_id query parameter is required"))
		return
	}

	f := orders.ListFilter{
		TradingAccountID: accountID,
		Symbol:           r.URL.Query().Get("symbol"),
	}
	if statuses := r.URL.Query().Get("status"); statuses != "" {
		for _, s := range strings.Split(statuses, ",") {
			f.Statuses = append(f.Statuses, orders.Status(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	f.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	f.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	list, total, err := h.service.List(r.Context(), caller, f)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"orders": list,
		"total":  total,
	})
}

func (h *Handler) modify(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	orderID, err := pathInt64(r, "orderID")
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	var in orders.ModifyOrderInput
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&in); err != nil {
		server.RespondError(w, r, domain.BadRequest("invalid JSON body"))
		return
	}

	order, err := h.service.Modify(r.Context(), caller, orderID, &in)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, order)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	orderID, err := pathInt64(r, "orderID")
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	order, err := h.service.Cancel(r.Context(), caller, orderID)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, order)
}

func (h *Handler) accountLedger(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	accountID, err := pathInt64(r, "accountID")
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	if !caller.CanAccess(accountID) {
		server.RespondError(w, r, domain.Forbidden("no access to trading account"))
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.ledger.ListForAccount(r.Context(), accountID, limit)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// marginsRequest is the preview request: prospective orders plus the
// account to price them for.
type marginsRequest struct {
	TradingAccountID int64                  `json:"trading_account_id"`
	Orders           []broker.MarginRequest `json:"orders"`
}

func (h *Handler) marginAccount(w http.ResponseWriter, r *http.Request) (*marginsRequest, bool) {
	caller, _ := domain.CallerFrom(r.Context())
	var in marginsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&in); err != nil {
		server.RespondError(w, r, domain.BadRequest("invalid JSON body"))
		return nil, false
	}
	if len(in.Orders) == 0 {
		server.RespondError(w, r, domain.ValidationError("orders is required"))
		return nil, false
	}
	if !caller.CanAccess(in.TradingAccountID) {
		server.RespondError(w, r, domain.Forbidden("no access to trading account"))
		return nil, false
	}
	return &in, true
}

// margins previews the margin required for a single prospective order.
func (h *Handler) margins(w http.ResponseWriter, r *http.Request) {
	in, ok := h.marginAccount(w, r)
	if !ok {
		return
	}
	result, err := h.brokerAPI.CalculateMargin(r.Context(), in.TradingAccountID, in.Orders[0])
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, result)
}

// basketMargins previews the netted margin for a basket of orders.
func (h *Handler) basketMargins(w http.ResponseWriter, r *http.Request) {
	in, ok := h.marginAccount(w, r)
	if !ok {
		return
	}
	result, err := h.brokerAPI.CalculateBasketMargin(r.Context(), in.TradingAccountID, in.Orders)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, result)
}

// historical serves bars for one instrument through the broker's separate
// historical rate bucket.
func (h *Handler) historical(w http.ResponseWriter, r *http.Request) {
	caller, _ := domain.CallerFrom(r.Context())
	token, err := pathInt64(r, "token")
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	accountID, err := queryInt64(r, "trading_account_id")
	if err != nil || accountID == 0 {
		server.RespondError(w, r, domain.ValidationError("trading_account_id query parameter is required"))
		return
	}
	if !caller.CanAccess(accountID) {
		server.RespondError(w, r, domain.Forbidden("no access to trading account"))
		return
	}

	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "day"
	}
	to := time.Now().UTC()
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse("2006-01-02", raw); err != nil {
			server.RespondError(w, r, domain.ValidationError("invalid to date, expected YYYY-MM-DD"))
			return
		}
	}
	from := to.AddDate(0, 0, -30)
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse("2006-01-02", raw); err != nil {
			server.RespondError(w, r, domain.ValidationError("invalid from date, expected YYYY-MM-DD"))
			return
		}
	}

	candles, err := h.brokerAPI.GetHistorical(r.Context(), accountID, token, interval, from, to)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]interface{}{"candles": candles})
}

func pathInt64(r *http.Request, key string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || v <= 0 {
		return 0, domain.ValidationErrorf("invalid %s", key)
	}
	return v, nil
}

func queryInt64(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
