package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"yms/yard-service/internal/engine"
	"yms/yard-service/internal/models"
	"yms/yard-service/internal/queue"
	"yms/yard-service/internal/store/memory"
)

const testSite = "site-1"

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	st := memory.NewStore()
	st.SeedCategories(
		models.Category{Code: "BAT", SiteID: testSite, Name: "Batteries", Prefix: "BAT", EstimatedDurationMinutes: 15},
		models.Category{Code: "ELEC", SiteID: testSite, Name: "Electronics", Prefix: "ELEC", EstimatedDurationMinutes: 20},
	)
	eng := engine.New(st)
	handler := NewHandler(eng, st, queue.NewAggregator(st))
	server := httptest.NewServer(ActorMiddleware(handler.Routes()))
	t.Cleanup(server.Close)
	return server, st
}

func postJSON(t *testing.T, url string, body map[string]interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", "op-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeTicket(t *testing.T, resp *http.Response) models.Ticket {
	t.Helper()
	defer resp.Body.Close()
	var ticket models.Ticket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}
	return ticket
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error.Code
}

func createTicketViaAPI(t *testing.T, server *httptest.Server, categories ...interface{}) models.Ticket {
	t.Helper()
	if len(categories) == 0 {
		categories = []interface{}{"BAT"}
	}
	resp := postJSON(t, server.URL+"/api/tickets", map[string]interface{}{
		"site_id":       testSite,
		"license_plate": "AB-123-CD",
		"driver_name":   "Moussa Diallo",
		"categories":    categories,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create ticket status = %d", resp.StatusCode)
	}
	return decodeTicket(t, resp)
}

func TestCreateTicketEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	ticket := createTicketViaAPI(t, server, "BAT", "ELEC")
	if ticket.Status != models.StatusWaiting {
		t.Fatalf("status = %q, want waiting", ticket.Status)
	}
	if ticket.TicketNumber == "" {
		t.Fatalf("no ticket number assigned")
	}
	if len(ticket.Categories) != 2 {
		t.Fatalf("categories = %v", ticket.Categories)
	}
}

func TestCreateTicketValidation(t *testing.T) {
	server, _ := newTestServer(t)

	cases := []struct {
		name string
		body map[string]interface{}
		code string
	}{
		{
			name: "missing plate",
			body: map[string]interface{}{"site_id": testSite, "categories": []string{"BAT"}},
			code: "invalid_request",
		},
		{
			name: "missing categories",
			body: map[string]interface{}{"site_id": testSite, "license_plate": "AB-123-CD"},
			code: "invalid_request",
		},
		{
			name: "unknown category",
			body: map[string]interface{}{"site_id": testSite, "license_plate": "AB-123-CD", "categories": []string{"FUEL"}},
			code: "category_not_found",
		},
		{
			name: "critique without reason",
			body: map[string]interface{}{"site_id": testSite, "license_plate": "AB-123-CD", "categories": []string{"BAT"}, "priority": "critique"},
			code: "validation_failed",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, server.URL+"/api/tickets", tt.body)
			if code := decodeError(t, resp); code != tt.code {
				t.Fatalf("error code = %q, want %q (http %d)", code, tt.code, resp.StatusCode)
			}
		})
	}
}

func TestCreateTicketRejectsUnknownFields(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/tickets", map[string]interface{}{
		"site_id":       testSite,
		"license_plate": "AB-123-CD",
		"categories":    []string{"BAT"},
		"truck_color":   "blue",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "invalid_json" {
		t.Fatalf("error code = %q, want invalid_json", code)
	}
}

func TestCreateTicketIdempotentByRequestID(t *testing.T) {
	server, _ := newTestServer(t)

	body := map[string]interface{}{
		"request_id":    "req-1",
		"site_id":       testSite,
		"license_plate": "AB-123-CD",
		"categories":    []string{"BAT"},
	}
	first := decodeTicket(t, postJSON(t, server.URL+"/api/tickets", body))
	second := decodeTicket(t, postJSON(t, server.URL+"/api/tickets", body))
	if first.TicketID != second.TicketID {
		t.Fatalf("replay created a second ticket: %s vs %s", first.TicketNumber, second.TicketNumber)
	}
}

func TestWeighInAction(t *testing.T) {
	server, _ := newTestServer(t)
	ticket := createTicketViaAPI(t, server)

	resp := postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/weigh-in", map[string]interface{}{
		"site_id": testSite,
		"weight":  12500,
		"manual":  true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body code %q", resp.StatusCode, decodeError(t, resp))
	}
	updated := decodeTicket(t, resp)
	if updated.Status != models.StatusWeighedIn || updated.WeightIn == nil || *updated.WeightIn != 12500 {
		t.Fatalf("weigh-in result: %+v", updated)
	}
	if !updated.WeightInManual || updated.WeighedInAt == nil {
		t.Fatalf("manual flag or timestamp missing: %+v", updated)
	}
}

func TestIllegalTransitionReturnsConflict(t *testing.T) {
	server, _ := newTestServer(t)
	ticket := createTicketViaAPI(t, server)

	resp := postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/start-loading", map[string]interface{}{
		"site_id": testSite,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "illegal_transition" {
		t.Fatalf("error code = %q, want illegal_transition", code)
	}
}

func TestWeighOutBelowWeighIn(t *testing.T) {
	server, _ := newTestServer(t)
	ticket := createTicketViaAPI(t, server)

	steps := []struct {
		action string
		body   map[string]interface{}
	}{
		{"weigh-in", map[string]interface{}{"site_id": testSite, "weight": 10000}},
		{"start-sale", map[string]interface{}{"site_id": testSite}},
		{"call", map[string]interface{}{"site_id": testSite, "zone": "Z2"}},
		{"start-loading", map[string]interface{}{"site_id": testSite}},
		{"finish-loading", map[string]interface{}{"site_id": testSite}},
		{"issue-bl", map[string]interface{}{"site_id": testSite}},
	}
	for _, step := range steps {
		resp := postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/"+step.action, step.body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status = %d", step.action, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/weigh-out", map[string]interface{}{
		"site_id": testSite,
		"weight":  9000,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "validation_failed" {
		t.Fatalf("error code = %q, want validation_failed", code)
	}

	resp = postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/weigh-out", map[string]interface{}{
		"site_id": testSite,
		"weight":  14200,
	})
	updated := decodeTicket(t, resp)
	if updated.NetWeight == nil || *updated.NetWeight != 4200 {
		t.Fatalf("net_weight = %v, want 4200", updated.NetWeight)
	}
}

func TestNextCategoryAction(t *testing.T) {
	server, _ := newTestServer(t)
	ticket := createTicketViaAPI(t, server, "BAT", "ELEC")

	for _, action := range []string{"weigh-in", "start-sale", "call", "start-loading", "finish-loading"} {
		body := map[string]interface{}{"site_id": testSite}
		if action == "weigh-in" {
			body["weight"] = 8000
		}
		resp := postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/"+action, body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status = %d", action, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/next-category", map[string]interface{}{
		"site_id": testSite,
	})
	updated := decodeTicket(t, resp)
	if updated.Status != models.StatusWaiting || updated.CategoryIndex != 1 {
		t.Fatalf("next-category result: %+v", updated)
	}
	if updated.CalledAt != nil || updated.LoadingStartedAt != nil || updated.LoadingFinishedAt != nil {
		t.Fatalf("leg timestamps survived the loop: %+v", updated)
	}

	resp = postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/weigh-in", map[string]interface{}{
		"site_id": testSite,
		"weight":  8100,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second leg weigh-in: status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUpdateActionChangesFieldsOnly(t *testing.T) {
	server, _ := newTestServer(t)
	ticket := createTicketViaAPI(t, server)

	resp := postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/update", map[string]interface{}{
		"site_id":         testSite,
		"priority":        "urgent",
		"notes":           "gate 4",
		"loaded_products": "pallets x12",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	updated := decodeTicket(t, resp)
	if updated.Status != models.StatusWaiting {
		t.Fatalf("update changed status: %q", updated.Status)
	}
	if updated.Priority != models.PriorityUrgent || updated.Notes != "gate 4" || updated.LoadedProducts != "pallets x12" {
		t.Fatalf("fields not applied: %+v", updated)
	}
}

func TestTransferAction(t *testing.T) {
	server, _ := newTestServer(t)
	ticket := createTicketViaAPI(t, server)

	resp := postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/transfer", map[string]interface{}{
		"site_id":     testSite,
		"to_category": "ELEC",
		"reason":      "wrong queue",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	transferred := decodeTicket(t, resp)
	if transferred.TicketNumber == ticket.TicketNumber || transferred.TicketNumber[:5] != "ELEC-" {
		t.Fatalf("transfer number = %q", transferred.TicketNumber)
	}
	if transferred.Status != models.StatusWaiting || transferred.CategoryIndex != 0 {
		t.Fatalf("transfer did not reset lifecycle: %+v", transferred)
	}
}

func TestCancelAction(t *testing.T) {
	server, _ := newTestServer(t)
	ticket := createTicketViaAPI(t, server)

	resp := postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/cancel", map[string]interface{}{
		"site_id": testSite,
	})
	cancelled := decodeTicket(t, resp)
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", cancelled.Status)
	}

	resp = postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/weigh-in", map[string]interface{}{
		"site_id": testSite,
		"weight":  5000,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "already_terminal" {
		t.Fatalf("error code = %q, want already_terminal", code)
	}
}

func TestPrintAction(t *testing.T) {
	server, _ := newTestServer(t)
	ticket := createTicketViaAPI(t, server)

	resp := postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/print", map[string]interface{}{
		"site_id": testSite,
	})
	printed := decodeTicket(t, resp)
	if printed.PrintedCount != 1 {
		t.Fatalf("printed_count = %d, want 1", printed.PrintedCount)
	}
}

func TestUnknownActionReturns404(t *testing.T) {
	server, _ := newTestServer(t)
	ticket := createTicketViaAPI(t, server)

	resp := postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/levitate", map[string]interface{}{
		"site_id": testSite,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUnknownTicketReturns404(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/tickets/no-such-id/actions/cancel", map[string]interface{}{
		"site_id": testSite,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "ticket_not_found" {
		t.Fatalf("error code = %q, want ticket_not_found", code)
	}
}

func TestGetTicketEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	ticket := createTicketViaAPI(t, server)

	resp, err := http.Get(server.URL + "/api/tickets/" + ticket.TicketID + "?site_id=" + testSite)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	fetched := decodeTicket(t, resp)
	if fetched.TicketID != ticket.TicketID {
		t.Fatalf("fetched ticket %s, want %s", fetched.TicketID, ticket.TicketID)
	}
}

func TestQueueEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	createTicketViaAPI(t, server)
	createTicketViaAPI(t, server)

	resp, err := http.Get(server.URL + "/api/queue?site_id=" + testSite)
	if err != nil {
		t.Fatalf("get queue: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var view map[string]queue.CategoryQueue
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	board, ok := view["BAT"]
	if !ok || board.Count != 2 {
		t.Fatalf("view = %+v, want BAT queue of 2", view)
	}
	if board.Tickets[0].Position != 1 || board.Tickets[1].Position != 2 {
		t.Fatalf("positions not assigned: %+v", board.Tickets)
	}

	resp, err = http.Get(server.URL + "/api/queue")
	if err != nil {
		t.Fatalf("get queue without site: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status without site_id = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCategoriesEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/categories?site_id=" + testSite)
	if err != nil {
		t.Fatalf("get categories: %v", err)
	}
	defer resp.Body.Close()
	var categories []models.Category
	if err := json.NewDecoder(resp.Body).Decode(&categories); err != nil {
		t.Fatalf("decode categories: %v", err)
	}
	if len(categories) != 2 || categories[0].Code != "BAT" || categories[1].Code != "ELEC" {
		t.Fatalf("categories = %+v", categories)
	}
}

func TestTicketEventsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	ticket := createTicketViaAPI(t, server)

	resp := postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/weigh-in", map[string]interface{}{
		"site_id": testSite,
		"weight":  7000,
	})
	resp.Body.Close()

	resp, err := http.Get(server.URL + "/api/tickets/" + ticket.TicketID + "/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	var events []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0]["type"] != "ticket.created" || events[1]["type"] != "ticket.status_changed" {
		t.Fatalf("event types = %v, %v", events[0]["type"], events[1]["type"])
	}
}

func TestOutboxEventsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	createTicketViaAPI(t, server)

	resp, err := http.Get(server.URL + "/api/events?site_id=" + testSite)
	if err != nil {
		t.Fatalf("get outbox: %v", err)
	}
	defer resp.Body.Close()
	var events []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode outbox: %v", err)
	}
	if len(events) != 1 || events[0]["type"] != "ticket.created" {
		t.Fatalf("outbox = %+v", events)
	}

	resp, err = http.Get(server.URL + "/api/events?site_id=" + testSite + "&after=not-a-time")
	if err != nil {
		t.Fatalf("get outbox bad cursor: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cursor status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCallRecordsActorFromHeaders(t *testing.T) {
	server, st := newTestServer(t)
	ticket := createTicketViaAPI(t, server)

	for _, action := range []string{"weigh-in", "start-sale"} {
		body := map[string]interface{}{"site_id": testSite}
		if action == "weigh-in" {
			body["weight"] = 6000
		}
		resp := postJSON(t, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/"+action, body)
		resp.Body.Close()
	}

	raw, _ := json.Marshal(map[string]interface{}{"site_id": testSite, "zone": "Z5"})
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/tickets/"+ticket.TicketID+"/actions/call", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", "dispatcher-9")
	req.Header.Set("X-Actor-Name", "Awa")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	called := decodeTicket(t, resp)
	if called.CalledBy != "dispatcher-9" || called.CallZone != "Z5" {
		t.Fatalf("actor not recorded: %+v", called)
	}

	stored, err := st.GetTicket(req.Context(), testSite, ticket.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if stored.CalledBy != "dispatcher-9" {
		t.Fatalf("called_by not persisted: %q", stored.CalledBy)
	}
}
