package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"counterflow/queue-service/internal/boardcache"
	"counterflow/queue-service/internal/models"
	"counterflow/queue-service/internal/store"

	"github.com/rs/zerolog"
)

const (
	testSessionID = "session-token"
	testTellerID  = "99999999-9999-9999-9999-999999999999"
	testRequestID = "11111111-1111-1111-1111-111111111111"
	testTxnTypeID = "44444444-4444-4444-4444-444444444444"
)

type fakeStore struct {
	createFn      func(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error)
	getTicketFn   func(ctx context.Context, ticketID int64) (models.Ticket, error)
	nextFn        func(ctx context.Context, input store.GrabInput) (models.Ticket, bool, error)
	finishFn      func(ctx context.Context, input store.FinishInput) (models.Ticket, bool, error)
	overrideFn    func(ctx context.Context, input store.OverrideInput) (models.Ticket, bool, error)
	resetFn       func(ctx context.Context, input store.ResetInput) (models.Ticket, bool, error)
	activeFn      func(ctx context.Context, tellerID string, step int) (models.Ticket, bool, error)
	boardFn       func(ctx context.Context, step int) (store.BoardSnapshot, error)
	searchFn      func(ctx context.Context, query string, step int) ([]models.Ticket, error)
	reactivateFn  func(ctx context.Context, input store.ReactivateInput) (models.Ticket, bool, error)
	activitiesFn  func(ctx context.Context, ticketID int64) ([]store.TicketActivity, error)
	txnTypesFn    func(ctx context.Context) ([]models.TransactionType, error)
	getSessionFn  func(ctx context.Context, sessionID string) (store.Session, error)
}

func (f fakeStore) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	if f.createFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.createFn(ctx, input)
}

func (f fakeStore) GetTicket(ctx context.Context, ticketID int64) (models.Ticket, error) {
	if f.getTicketFn == nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return f.getTicketFn(ctx, ticketID)
}

func (f fakeStore) NextTicket(ctx context.Context, input store.GrabInput) (models.Ticket, bool, error) {
	if f.nextFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.nextFn(ctx, input)
}

func (f fakeStore) FinishTicket(ctx context.Context, input store.FinishInput) (models.Ticket, bool, error) {
	if f.finishFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.finishFn(ctx, input)
}

func (f fakeStore) OverrideTicket(ctx context.Context, input store.OverrideInput) (models.Ticket, bool, error) {
	if f.overrideFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.overrideFn(ctx, input)
}

func (f fakeStore) ResetTeller(ctx context.Context, input store.ResetInput) (models.Ticket, bool, error) {
	if f.resetFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.resetFn(ctx, input)
}

func (f fakeStore) ActiveTicket(ctx context.Context, tellerID string, step int) (models.Ticket, bool, error) {
	if f.activeFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.activeFn(ctx, tellerID, step)
}

func (f fakeStore) BoardSnapshot(ctx context.Context, step int) (store.BoardSnapshot, error) {
	if f.boardFn == nil {
		return store.BoardSnapshot{}, nil
	}
	return f.boardFn(ctx, step)
}

func (f fakeStore) SearchNoShow(ctx context.Context, query string, step int) ([]models.Ticket, error) {
	if f.searchFn == nil {
		return nil, nil
	}
	return f.searchFn(ctx, query, step)
}

func (f fakeStore) ReactivateTicket(ctx context.Context, input store.ReactivateInput) (models.Ticket, bool, error) {
	if f.reactivateFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.reactivateFn(ctx, input)
}

func (f fakeStore) ListTicketActivities(ctx context.Context, ticketID int64) ([]store.TicketActivity, error) {
	if f.activitiesFn == nil {
		return nil, nil
	}
	return f.activitiesFn(ctx, ticketID)
}

func (f fakeStore) ListTransactionTypes(ctx context.Context) ([]models.TransactionType, error) {
	if f.txnTypesFn == nil {
		return nil, nil
	}
	return f.txnTypesFn(ctx)
}

func (f fakeStore) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	if f.getSessionFn == nil {
		if sessionID == testSessionID {
			return store.Session{
				SessionID: sessionID,
				Teller: models.Teller{
					TellerID:    testTellerID,
					Name:        "Teller One",
					ServesStep1: true,
					ServesStep2: true,
				},
				ExpiresAt: time.Now().Add(time.Hour),
			}, nil
		}
		return store.Session{}, store.ErrSessionNotFound
	}
	return f.getSessionFn(ctx, sessionID)
}

func newTestHandler(st fakeStore) *Handler {
	return NewHandler(st, boardcache.New(nil, time.Second), zerolog.Nop(), Options{})
}

func authedRequest(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("X-Session-ID", testSessionID)
	return req
}

func TestCreateTicketSuccess(t *testing.T) {
	st := fakeStore{
		createFn: func(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
			return models.Ticket{
				ID:            1,
				Number:        7,
				DisplayNumber: "P0007",
				Status:        models.StatusWaiting,
				Step:          models.StepOne,
				IsPriority:    true,
			}, true, nil
		},
	}
	h := newTestHandler(st)

	body, _ := json.Marshal(map[string]interface{}{
		"request_id":          testRequestID,
		"transaction_type_id": testTxnTypeID,
		"is_priority":         true,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var ticket models.Ticket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if ticket.DisplayNumber != "P0007" || ticket.Status != models.StatusWaiting {
		t.Fatalf("unexpected ticket response: %+v", ticket)
	}
}

func TestCreateTicketMissingFields(t *testing.T) {
	h := newTestHandler(fakeStore{})

	body, _ := json.Marshal(map[string]interface{}{"request_id": testRequestID})
	req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestNextTicketSuccess(t *testing.T) {
	st := fakeStore{
		nextFn: func(ctx context.Context, input store.GrabInput) (models.Ticket, bool, error) {
			if input.TellerID != testTellerID {
				t.Fatalf("expected teller from session, got %s", input.TellerID)
			}
			teller := input.TellerID
			return models.Ticket{
				ID:            3,
				DisplayNumber: "R0003",
				Status:        models.StatusServing,
				Step:          input.Step,
				TellerID:      &teller,
			}, true, nil
		},
	}
	h := newTestHandler(st)

	body, _ := json.Marshal(map[string]interface{}{
		"request_id": testRequestID,
		"step":       1,
	})
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, authedRequest(http.MethodPost, "/api/tickets/actions/next", body))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestNextTicketEmptyQueue(t *testing.T) {
	st := fakeStore{
		nextFn: func(ctx context.Context, input store.GrabInput) (models.Ticket, bool, error) {
			return models.Ticket{}, false, store.ErrNoTicket
		},
	}
	h := newTestHandler(st)

	body, _ := json.Marshal(map[string]interface{}{"request_id": testRequestID})
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, authedRequest(http.MethodPost, "/api/tickets/actions/next", body))

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Code != "queue_empty" {
		t.Fatalf("expected queue_empty, got %s", errResp.Error.Code)
	}
}

func TestNextTicketRequiresSession(t *testing.T) {
	h := newTestHandler(fakeStore{})

	body, _ := json.Marshal(map[string]interface{}{"request_id": testRequestID})
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/actions/next", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.Code)
	}
}

func TestFinishTicketDone(t *testing.T) {
	st := fakeStore{
		finishFn: func(ctx context.Context, input store.FinishInput) (models.Ticket, bool, error) {
			if input.TicketID != 12 || input.Outcome != models.OutcomeDone {
				t.Fatalf("unexpected finish input: %+v", input)
			}
			return models.Ticket{ID: 12, Status: models.StatusDone}, true, nil
		},
	}
	h := newTestHandler(st)

	body, _ := json.Marshal(map[string]interface{}{
		"request_id": testRequestID,
		"outcome":    "done",
	})
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, authedRequest(http.MethodPost, "/api/tickets/12/actions/finish", body))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestFinishTicketInvalidOutcome(t *testing.T) {
	h := newTestHandler(fakeStore{})

	body, _ := json.Marshal(map[string]interface{}{
		"request_id": testRequestID,
		"outcome":    "abandoned",
	})
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, authedRequest(http.MethodPost, "/api/tickets/12/actions/finish", body))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestFinishTicketTellerMismatch(t *testing.T) {
	st := fakeStore{
		finishFn: func(ctx context.Context, input store.FinishInput) (models.Ticket, bool, error) {
			return models.Ticket{}, false, store.ErrTellerMismatch
		},
	}
	h := newTestHandler(st)

	body, _ := json.Marshal(map[string]interface{}{
		"request_id": testRequestID,
		"outcome":    "no_show",
	})
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, authedRequest(http.MethodPost, "/api/tickets/12/actions/finish", body))

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
}

func TestOverrideTicketSuccess(t *testing.T) {
	st := fakeStore{
		overrideFn: func(ctx context.Context, input store.OverrideInput) (models.Ticket, bool, error) {
			if input.Reason == "" {
				t.Fatalf("expected reason to be passed through")
			}
			return models.Ticket{ID: input.TicketID, Status: models.StatusServing}, true, nil
		},
	}
	h := newTestHandler(st)

	body, _ := json.Marshal(map[string]interface{}{
		"request_id":    testRequestID,
		"new_teller_id": testTellerID,
		"reason":        "teller shift change",
	})
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, authedRequest(http.MethodPost, "/api/tickets/9/actions/override", body))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestOverrideTicketRequiresTarget(t *testing.T) {
	h := newTestHandler(fakeStore{})

	body, _ := json.Marshal(map[string]interface{}{
		"request_id": testRequestID,
		"reason":     "misfiled",
	})
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, authedRequest(http.MethodPost, "/api/tickets/9/actions/override", body))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestResetTellerReleased(t *testing.T) {
	st := fakeStore{
		resetFn: func(ctx context.Context, input store.ResetInput) (models.Ticket, bool, error) {
			return models.Ticket{ID: 5, Status: models.StatusWaiting}, true, nil
		},
	}
	h := newTestHandler(st)

	body, _ := json.Marshal(map[string]interface{}{
		"request_id": testRequestID,
		"step":       1,
	})
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, authedRequest(http.MethodPost, "/api/tellers/reset", body))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload struct {
		Released bool `json:"released"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !payload.Released {
		t.Fatalf("expected released=true")
	}
}

func TestResetTellerNothingServing(t *testing.T) {
	st := fakeStore{
		resetFn: func(ctx context.Context, input store.ResetInput) (models.Ticket, bool, error) {
			return models.Ticket{}, false, nil
		},
	}
	h := newTestHandler(st)

	body, _ := json.Marshal(map[string]interface{}{"request_id": testRequestID})
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, authedRequest(http.MethodPost, "/api/tellers/reset", body))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var payload struct {
		Released bool `json:"released"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Released {
		t.Fatalf("expected released=false")
	}
}

func TestNoShowSearch(t *testing.T) {
	st := fakeStore{
		searchFn: func(ctx context.Context, query string, step int) ([]models.Ticket, error) {
			if query != "R0042" || step != models.StepOne {
				t.Fatalf("unexpected search input: %q step %d", query, step)
			}
			return []models.Ticket{{ID: 42, DisplayNumber: "R0042", Status: models.StatusNoShow}}, nil
		},
	}
	h := newTestHandler(st)

	body, _ := json.Marshal(map[string]interface{}{"query": "R0042", "step": 1})
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, authedRequest(http.MethodPost, "/api/no-show/search", body))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload struct {
		Tickets []models.Ticket `json:"tickets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Tickets) != 1 || payload.Tickets[0].DisplayNumber != "R0042" {
		t.Fatalf("unexpected search response: %+v", payload.Tickets)
	}
}

func TestReactivateTicket(t *testing.T) {
	st := fakeStore{
		reactivateFn: func(ctx context.Context, input store.ReactivateInput) (models.Ticket, bool, error) {
			return models.Ticket{ID: input.TicketID, Status: models.StatusWaiting}, true, nil
		},
	}
	h := newTestHandler(st)

	body, _ := json.Marshal(map[string]interface{}{"request_id": testRequestID})
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, authedRequest(http.MethodPost, "/api/tickets/42/actions/reactivate", body))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestBoardIsPublicAndNeverNull(t *testing.T) {
	st := fakeStore{
		boardFn: func(ctx context.Context, step int) (store.BoardSnapshot, error) {
			if step == models.StepOne {
				return store.BoardSnapshot{
					Serving:     []models.Ticket{{ID: 1, DisplayNumber: "P0001", Status: models.StatusServing}},
					GeneratedAt: time.Now().UTC(),
				}, nil
			}
			return store.BoardSnapshot{GeneratedAt: time.Now().UTC()}, nil
		},
	}
	h := newTestHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/api/board-data", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload struct {
		Step1 struct {
			Serving []models.Ticket `json:"serving"`
			Waiting []models.Ticket `json:"waiting"`
		} `json:"step1"`
		Step2 struct {
			Serving []models.Ticket `json:"serving"`
			Waiting []models.Ticket `json:"waiting"`
		} `json:"step2"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Step1.Serving) != 1 {
		t.Fatalf("expected one serving ticket at step 1")
	}
	if payload.Step2.Serving == nil || payload.Step2.Waiting == nil {
		t.Fatalf("expected empty arrays, not null")
	}
}

func TestBoardGroupsWaitingQueues(t *testing.T) {
	typeA := "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	typeB := "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
	st := fakeStore{
		boardFn: func(ctx context.Context, step int) (store.BoardSnapshot, error) {
			return store.BoardSnapshot{
				Waiting: []models.Ticket{
					{ID: 1, DisplayNumber: "P0001", TransactionTypeID: typeA, IsPriority: true},
					{ID: 2, DisplayNumber: "R0001", TransactionTypeID: typeA},
					{ID: 3, DisplayNumber: "R0002", TransactionTypeID: typeB},
					{ID: 4, DisplayNumber: "R0003", TransactionTypeID: typeA},
				},
				GeneratedAt: time.Now().UTC(),
			}, nil
		},
	}
	h := newTestHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/api/board-data?step=1", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var view struct {
		Queues []struct {
			TransactionTypeID string          `json:"transaction_type_id"`
			IsPriority        bool            `json:"is_priority"`
			Tickets           []models.Ticket `json:"tickets"`
		} `json:"queues"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(view.Queues) != 3 {
		t.Fatalf("expected 3 queue groups, got %d", len(view.Queues))
	}
	if !view.Queues[0].IsPriority || view.Queues[0].TransactionTypeID != typeA {
		t.Fatalf("expected priority group of type A first, got %+v", view.Queues[0])
	}
	if len(view.Queues[1].Tickets) != 2 {
		t.Fatalf("expected type A regular group to hold both tickets in order")
	}
	if view.Queues[1].Tickets[0].DisplayNumber != "R0001" || view.Queues[1].Tickets[1].DisplayNumber != "R0003" {
		t.Fatalf("expected pick order preserved within group")
	}
}

func TestBoardRejectsBadStep(t *testing.T) {
	h := newTestHandler(fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/board-data?step=7", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestTransactionTypesPublic(t *testing.T) {
	st := fakeStore{
		txnTypesFn: func(ctx context.Context) ([]models.TransactionType, error) {
			return []models.TransactionType{{TransactionTypeID: testTxnTypeID, Name: "Deposit", Steps: 2}}, nil
		},
	}
	h := newTestHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/api/transaction-types", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func TestGetTicket(t *testing.T) {
	st := fakeStore{
		getTicketFn: func(ctx context.Context, ticketID int64) (models.Ticket, error) {
			if ticketID != 7 {
				t.Fatalf("expected ticket id 7, got %d", ticketID)
			}
			return models.Ticket{ID: 7, DisplayNumber: "R0007", Status: models.StatusServing}, nil
		},
	}
	h := newTestHandler(st)

	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, authedRequest(http.MethodGet, "/api/tickets/7", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var ticket models.Ticket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if ticket.ID != 7 || ticket.DisplayNumber != "R0007" {
		t.Fatalf("unexpected ticket response: %+v", ticket)
	}
}

func TestGetTicketNotFound(t *testing.T) {
	st := fakeStore{
		getTicketFn: func(ctx context.Context, ticketID int64) (models.Ticket, error) {
			return models.Ticket{}, store.ErrTicketNotFound
		},
	}
	h := newTestHandler(st)

	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, authedRequest(http.MethodGet, "/api/tickets/404", nil))

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestTicketActivities(t *testing.T) {
	st := fakeStore{
		activitiesFn: func(ctx context.Context, ticketID int64) ([]store.TicketActivity, error) {
			return []store.TicketActivity{{TicketID: ticketID, Seq: 1, Action: store.ActionCreate}}, nil
		},
	}
	h := newTestHandler(st)

	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, authedRequest(http.MethodGet, "/api/tickets/7/activities", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}
