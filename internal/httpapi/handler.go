package httpapi

import (
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"strings"
	"time"

	"yms/yard-service/internal/engine"
	"yms/yard-service/internal/models"
	"yms/yard-service/internal/queue"
	"yms/yard-service/internal/store"
)

type Handler struct {
	engine *engine.Engine
	store  store.TicketStore
	queues *queue.Aggregator
}

func NewHandler(eng *engine.Engine, st store.TicketStore, agg *queue.Aggregator) *Handler {
	return &Handler{engine: eng, store: st, queues: agg}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleCreateTicket)
	mux.HandleFunc("/api/tickets/", h.handleTicketSubtree)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/categories", h.handleCategories)
	mux.HandleFunc("/api/events", h.handleEvents)
	mux.Handle("/debug/vars", expvar.Handler())
	return mux
}

type createTicketRequest struct {
	RequestID      string   `json:"request_id"`
	SiteID         string   `json:"site_id"`
	LicensePlate   string   `json:"license_plate"`
	DriverName     string   `json:"driver_name"`
	DriverPhone    string   `json:"driver_phone"`
	CompanyName    string   `json:"company_name"`
	SalesPerson    string   `json:"sales_person"`
	OrderRef       string   `json:"order_ref"`
	Categories     []string `json:"categories"`
	Priority       string   `json:"priority"`
	PriorityReason string   `json:"priority_reason"`
	Notes          string   `json:"notes"`
}

type actionRequest struct {
	SiteID         string   `json:"site_id"`
	Weight         *float64 `json:"weight,omitempty"`
	Manual         bool     `json:"manual,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	PriorityReason string   `json:"priority_reason,omitempty"`
	Zone           string   `json:"zone,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	LoadedProducts string   `json:"loaded_products,omitempty"`
	ToCategory     string   `json:"to_category,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// actionTargets maps URL action names to the lifecycle status they request.
// "update" is absent on purpose: it is a field-only change.
var actionTargets = map[string]string{
	"weigh-in":       models.StatusWeighedIn,
	"start-sale":     models.StatusOnSale,
	"call":           models.StatusCalled,
	"start-loading":  models.StatusLoading,
	"finish-loading": models.StatusLoadingDone,
	"issue-bl":       models.StatusBLIssued,
	"weigh-out":      models.StatusWeighedOut,
	"complete":       models.StatusDone,
	"next-category":  models.StatusWaiting,
	"cancel":         models.StatusCancelled,
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTicketRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.SiteID = strings.TrimSpace(req.SiteID)
	req.LicensePlate = strings.TrimSpace(req.LicensePlate)
	if req.SiteID == "" || req.LicensePlate == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "site_id and license_plate are required")
		return
	}
	if len(req.Categories) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "at least one category is required")
		return
	}

	ticket, err := h.engine.Create(r.Context(), actorFromContext(r.Context()), engine.CreateInput{
		RequestID:      strings.TrimSpace(req.RequestID),
		SiteID:         req.SiteID,
		LicensePlate:   req.LicensePlate,
		DriverName:     strings.TrimSpace(req.DriverName),
		DriverPhone:    strings.TrimSpace(req.DriverPhone),
		CompanyName:    strings.TrimSpace(req.CompanyName),
		SalesPerson:    strings.TrimSpace(req.SalesPerson),
		OrderRef:       strings.TrimSpace(req.OrderRef),
		Categories:     req.Categories,
		Priority:       strings.TrimSpace(req.Priority),
		PriorityReason: strings.TrimSpace(req.PriorityReason),
		Notes:          req.Notes,
	})
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGetTicket(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		h.handleTicketEvents(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions" && r.Method == http.MethodPost:
		h.handleTicketAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	siteID := strings.TrimSpace(r.URL.Query().Get("site_id"))
	if siteID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "site_id is required")
		return
	}
	ticket, err := h.store.GetTicket(r.Context(), siteID, ticketID)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request, ticketID string) {
	events, err := h.store.ListTicketEvents(r.Context(), ticketID)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	var req actionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.SiteID = strings.TrimSpace(req.SiteID)
	if req.SiteID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "site_id is required")
		return
	}

	actor := actorFromContext(r.Context())

	switch action {
	case "transfer":
		req.ToCategory = strings.TrimSpace(req.ToCategory)
		if req.ToCategory == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "to_category is required")
			return
		}
		ticket, err := h.engine.Transfer(r.Context(), actor, req.SiteID, ticketID, req.ToCategory, req.Reason)
		if err != nil {
			status, code := mapError(err)
			writeError(w, status, code, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ticket)
		return
	case "print":
		ticket, err := h.engine.RecordPrint(r.Context(), actor, req.SiteID, ticketID)
		if err != nil {
			status, code := mapError(err)
			writeError(w, status, code, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ticket)
		return
	}

	target := ""
	if action != "update" {
		var ok bool
		target, ok = actionTargets[action]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
	}

	fields := engine.Fields{
		Priority:       strings.TrimSpace(req.Priority),
		PriorityReason: strings.TrimSpace(req.PriorityReason),
		Zone:           strings.TrimSpace(req.Zone),
		Notes:          req.Notes,
		LoadedProducts: req.LoadedProducts,
	}
	switch target {
	case models.StatusWeighedIn:
		fields.WeightIn = req.Weight
		fields.WeightInManual = req.Manual
	case models.StatusWeighedOut:
		fields.WeightOut = req.Weight
		fields.WeightOutManual = req.Manual
	}

	ticket, err := h.engine.Transition(r.Context(), actor, engine.TransitionInput{
		SiteID:   req.SiteID,
		TicketID: ticketID,
		Status:   target,
		Fields:   fields,
	})
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	siteID := strings.TrimSpace(r.URL.Query().Get("site_id"))
	if siteID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "site_id is required")
		return
	}
	view, err := h.queues.View(r.Context(), siteID)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCategories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	siteID := strings.TrimSpace(r.URL.Query().Get("site_id"))
	if siteID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "site_id is required")
		return
	}
	categories, err := h.store.ListCategories(r.Context(), siteID)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	siteID := strings.TrimSpace(r.URL.Query().Get("site_id"))
	if siteID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "site_id is required")
		return
	}

	var after time.Time
	if afterRaw := strings.TrimSpace(r.URL.Query().Get("after")); afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), siteID, after, limit)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found"
	case errors.Is(err, store.ErrCategoryNotFound):
		return http.StatusNotFound, "category_not_found"
	case errors.Is(err, store.ErrIllegalTransition):
		return http.StatusConflict, "illegal_transition"
	case errors.Is(err, store.ErrNoFurtherCategory):
		return http.StatusConflict, "no_further_category"
	case errors.Is(err, store.ErrAlreadyTerminal):
		return http.StatusConflict, "already_terminal"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	writeJSON(w, status, errorResponse{
		Error: responseError{Code: code, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
