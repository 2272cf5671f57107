package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"counterflow/queue-service/internal/boardcache"
	"counterflow/queue-service/internal/models"
	"counterflow/queue-service/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Handler struct {
	store store.TicketStore
	board *boardcache.Cache
	log   zerolog.Logger
	opts  Options
}

type Options struct {
	AllowedOrigin       string
	PublicRatePerMinute int
	TellerRatePerMinute int
	TellerRateBurst     int
}

func NewHandler(st store.TicketStore, board *boardcache.Cache, log zerolog.Logger, options Options) *Handler {
	if options.PublicRatePerMinute <= 0 {
		options.PublicRatePerMinute = 200
	}
	return &Handler{
		store: st,
		board: board,
		log:   log,
		opts:  options,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestLogger(h.log))
	r.Use(Recoverer(h.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{h.allowedOrigin()},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-ID", "X-Request-ID"},
		AllowCredentials: true,
	}))
	r.Use(httprate.LimitByIP(h.opts.PublicRatePerMinute, time.Minute))

	r.Get("/healthz", h.handleHealth)
	r.Get("/api/board-data", h.handleBoard)
	r.Get("/api/transaction-types", h.handleTransactionTypes)
	r.Post("/api/tickets", h.handleCreateTicket)

	limiter := NewTellerRateLimiter(h.opts.TellerRatePerMinute, h.opts.TellerRateBurst)
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.store))
		r.Use(limiter.Middleware)

		r.Post("/api/tickets/actions/next", h.handleNextTicket)
		r.Get("/api/tickets/active", h.handleActiveTicket)
		r.Get("/api/tickets/{id}", h.handleGetTicket)
		r.Post("/api/tickets/{id}/actions/finish", h.handleFinishTicket)
		r.Post("/api/tickets/{id}/actions/override", h.handleOverrideTicket)
		r.Post("/api/tickets/{id}/actions/reactivate", h.handleReactivateTicket)
		r.Get("/api/tickets/{id}/activities", h.handleTicketActivities)
		r.Post("/api/tellers/reset", h.handleResetTeller)
		r.Post("/api/no-show/search", h.handleNoShowSearch)
	})

	return r
}

func (h *Handler) allowedOrigin() string {
	if h.opts.AllowedOrigin == "" {
		return "*"
	}
	return h.opts.AllowedOrigin
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type createTicketRequest struct {
	RequestID         string `json:"request_id"`
	TransactionTypeID string `json:"transaction_type_id"`
	IsPriority        bool   `json:"is_priority"`
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.TransactionTypeID = strings.TrimSpace(req.TransactionTypeID)
	if req.RequestID == "" || req.TransactionTypeID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and transaction_type_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.TransactionTypeID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and transaction_type_id must be UUIDs")
		return
	}

	ticket, _, err := h.store.CreateTicket(r.Context(), store.CreateTicketInput{
		RequestID:         req.RequestID,
		TransactionTypeID: req.TransactionTypeID,
		IsPriority:        req.IsPriority,
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

type nextTicketRequest struct {
	RequestID         string `json:"request_id"`
	Step              int    `json:"step"`
	TransactionTypeID string `json:"transaction_type_id"`
	IsPriority        *bool  `json:"is_priority"`
}

func (h *Handler) handleNextTicket(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	var req nextTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.TransactionTypeID = strings.TrimSpace(req.TransactionTypeID)
	if req.RequestID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id is required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if req.Step == 0 {
		req.Step = models.StepOne
	}
	if !models.ValidStep(req.Step) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "step must be 1 or 2")
		return
	}
	if req.TransactionTypeID != "" && !isValidUUID(req.TransactionTypeID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "transaction_type_id must be a UUID when provided")
		return
	}

	ticket, _, err := h.store.NextTicket(r.Context(), store.GrabInput{
		RequestID: req.RequestID,
		TellerID:  session.Teller.TellerID,
		Step:      req.Step,
		Filters: store.PickFilters{
			TransactionTypeID: req.TransactionTypeID,
			IsPriority:        req.IsPriority,
		},
		GrabbedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNoTicket) {
			writeError(w, req.RequestID, http.StatusConflict, "queue_empty", "no tickets available")
			return
		}
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleActiveTicket(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	step := models.StepOne
	if raw := strings.TrimSpace(r.URL.Query().Get("step")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || !models.ValidStep(parsed) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "step must be 1 or 2")
			return
		}
		step = parsed
	}

	ticket, found, err := h.store.ActiveTicket(r.Context(), session.Teller.TellerID, step)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ticket": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ticket": ticket})
}

type finishTicketRequest struct {
	RequestID string `json:"request_id"`
	Outcome   string `json:"outcome"`
}

func (h *Handler) handleFinishTicket(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}
	ticketID, ok := ticketIDFromURL(w, r)
	if !ok {
		return
	}

	var req finishTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Outcome = strings.TrimSpace(req.Outcome)
	if req.RequestID == "" || req.Outcome == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and outcome are required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	outcome := models.Outcome(req.Outcome)
	if !outcome.Valid() {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "outcome must be done or no_show")
		return
	}

	ticket, _, err := h.store.FinishTicket(r.Context(), store.FinishInput{
		RequestID:  req.RequestID,
		TellerID:   session.Teller.TellerID,
		TicketID:   ticketID,
		Outcome:    outcome,
		FinishedAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

type overrideTicketRequest struct {
	RequestID            string `json:"request_id"`
	NewTellerID          string `json:"new_teller_id"`
	NewTransactionTypeID string `json:"new_transaction_type_id"`
	Reason               string `json:"reason"`
}

func (h *Handler) handleOverrideTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketIDFromURL(w, r)
	if !ok {
		return
	}

	var req overrideTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.NewTellerID = strings.TrimSpace(req.NewTellerID)
	req.NewTransactionTypeID = strings.TrimSpace(req.NewTransactionTypeID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.RequestID == "" || req.Reason == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and reason are required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if req.NewTellerID == "" && req.NewTransactionTypeID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "new_teller_id or new_transaction_type_id is required")
		return
	}
	if req.NewTellerID != "" && !isValidUUID(req.NewTellerID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "new_teller_id must be a UUID when provided")
		return
	}
	if req.NewTransactionTypeID != "" && !isValidUUID(req.NewTransactionTypeID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "new_transaction_type_id must be a UUID when provided")
		return
	}

	ticket, _, err := h.store.OverrideTicket(r.Context(), store.OverrideInput{
		RequestID:            req.RequestID,
		TicketID:             ticketID,
		NewTellerID:          req.NewTellerID,
		NewTransactionTypeID: req.NewTransactionTypeID,
		Reason:               req.Reason,
		OccurredAt:           time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

type reactivateTicketRequest struct {
	RequestID string `json:"request_id"`
}

func (h *Handler) handleReactivateTicket(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}
	ticketID, ok := ticketIDFromURL(w, r)
	if !ok {
		return
	}

	var req reactivateTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id is required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}

	ticket, _, err := h.store.ReactivateTicket(r.Context(), store.ReactivateInput{
		RequestID: req.RequestID,
		TellerID:  session.Teller.TellerID,
		TicketID:  ticketID,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

type resetTellerRequest struct {
	RequestID string `json:"request_id"`
	Step      int    `json:"step"`
}

func (h *Handler) handleResetTeller(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	var req resetTellerRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id is required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if req.Step == 0 {
		req.Step = models.StepOne
	}
	if !models.ValidStep(req.Step) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "step must be 1 or 2")
		return
	}

	ticket, released, err := h.store.ResetTeller(r.Context(), store.ResetInput{
		RequestID: req.RequestID,
		TellerID:  session.Teller.TellerID,
		Step:      req.Step,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	if !released && ticket.ID == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"released": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"released": true, "ticket": ticket})
}

type noShowSearchRequest struct {
	Query string `json:"query"`
	Step  int    `json:"step"`
}

func (h *Handler) handleNoShowSearch(w http.ResponseWriter, r *http.Request) {
	var req noShowSearchRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "query is required")
		return
	}
	if req.Step == 0 {
		req.Step = models.StepOne
	}
	if !models.ValidStep(req.Step) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "step must be 1 or 2")
		return
	}

	tickets, err := h.store.SearchNoShow(r.Context(), req.Query, req.Step)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tickets": tickets})
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketIDFromURL(w, r)
	if !ok {
		return
	}

	ticket, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketActivities(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketIDFromURL(w, r)
	if !ok {
		return
	}

	activities, err := h.store.ListTicketActivities(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if activities == nil {
		activities = []store.TicketActivity{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"activities": activities})
}

func (h *Handler) handleTransactionTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.store.ListTransactionTypes(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if types == nil {
		types = []models.TransactionType{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transaction_types": types})
}

type boardQueueGroup struct {
	TransactionTypeID string          `json:"transaction_type_id"`
	IsPriority        bool            `json:"is_priority"`
	Tickets           []models.Ticket `json:"tickets"`
}

type boardStepView struct {
	Serving     []models.Ticket   `json:"serving"`
	Waiting     []models.Ticket   `json:"waiting"`
	Queues      []boardQueueGroup `json:"queues"`
	GeneratedAt time.Time         `json:"generated_at"`
}

type boardResponse struct {
	Step1 boardStepView `json:"step1"`
	Step2 boardStepView `json:"step2"`
}

// handleBoard serves the public display feed. Snapshots pass through
// the short-TTL cache so a bank of polling displays costs one database
// read per step per interval. With ?step= only that step's view is
// returned.
func (h *Handler) handleBoard(w http.ResponseWriter, r *http.Request) {
	if raw := strings.TrimSpace(r.URL.Query().Get("step")); raw != "" {
		step, err := strconv.Atoi(raw)
		if err != nil || !models.ValidStep(step) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "step must be 1 or 2")
			return
		}
		snapshot, err := h.boardSnapshot(r, step)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, boardView(snapshot))
		return
	}

	var resp boardResponse
	for _, step := range []int{models.StepOne, models.StepTwo} {
		snapshot, err := h.boardSnapshot(r, step)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		if step == models.StepOne {
			resp.Step1 = boardView(snapshot)
		} else {
			resp.Step2 = boardView(snapshot)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// boardView groups the waiting queue by (transaction type, priority
// class) for display columns, preserving pick order within each group
// and first-appearance order across groups.
func boardView(snapshot store.BoardSnapshot) boardStepView {
	view := boardStepView{
		Serving:     snapshot.Serving,
		Waiting:     snapshot.Waiting,
		GeneratedAt: snapshot.GeneratedAt,
	}

	type groupKey struct {
		transactionTypeID string
		isPriority        bool
	}
	index := map[groupKey]int{}
	for _, ticket := range snapshot.Waiting {
		key := groupKey{ticket.TransactionTypeID, ticket.IsPriority}
		i, ok := index[key]
		if !ok {
			i = len(view.Queues)
			index[key] = i
			view.Queues = append(view.Queues, boardQueueGroup{
				TransactionTypeID: ticket.TransactionTypeID,
				IsPriority:        ticket.IsPriority,
			})
		}
		view.Queues[i].Tickets = append(view.Queues[i].Tickets, ticket)
	}
	if view.Queues == nil {
		view.Queues = []boardQueueGroup{}
	}
	return view
}

func (h *Handler) boardSnapshot(r *http.Request, step int) (store.BoardSnapshot, error) {
	if cached, hit, err := h.board.Get(r.Context(), step); err == nil && hit {
		return cached, nil
	} else if err != nil {
		h.log.Warn().Err(err).Int("step", step).Msg("board cache read failed")
	}

	snapshot, err := h.store.BoardSnapshot(r.Context(), step)
	if err != nil {
		return store.BoardSnapshot{}, err
	}
	if snapshot.Serving == nil {
		snapshot.Serving = []models.Ticket{}
	}
	if snapshot.Waiting == nil {
		snapshot.Waiting = []models.Ticket{}
	}
	if err := h.board.Set(r.Context(), step, snapshot); err != nil {
		h.log.Warn().Err(err).Int("step", step).Msg("board cache write failed")
	}
	return snapshot, nil
}

func ticketIDFromURL(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ticket id must be a positive integer")
		return 0, false
	}
	return id, true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrNoTicket):
		return http.StatusConflict, "queue_empty", "no tickets available"
	case errors.Is(err, store.ErrAlreadyClaimed):
		return http.StatusConflict, "already_claimed", "ticket already claimed by another teller"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrTellerNotFound):
		return http.StatusNotFound, "teller_not_found", "teller not found"
	case errors.Is(err, store.ErrTransactionTypeNotFound):
		return http.StatusNotFound, "transaction_type_not_found", "transaction type not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrTellerMismatch):
		return http.StatusConflict, "teller_mismatch", "ticket assigned to a different teller"
	case errors.Is(err, store.ErrStepNotAllowed):
		return http.StatusForbidden, "step_not_allowed", "teller does not serve this step or transaction type"
	case errors.Is(err, store.ErrSequenceExhausted):
		return http.StatusInternalServerError, "sequence_exhausted", "no ticket numbers left for today"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusUnauthorized, "unauthorized", "invalid session"
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden, "access_denied", "access denied"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
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
