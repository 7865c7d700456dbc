package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/longing-touch/internal/apperr"
	"github.com/chaz8081/longing-touch/internal/model"
)

const (
	alice = "11111111-1111-1111-1111-111111111111"
	bob   = "22222222-2222-2222-2222-222222222222"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   string
}

// fakeProject is an httptest backend that answers with canned responses
// keyed by "METHOD path" and records every request.
type fakeProject struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeProject(t *testing.T) *fakeProject {
	t.Helper()
	f := &fakeProject{t: t, routes: make(map[string]func(http.ResponseWriter, *http.Request))}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeProject) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   string(body),
	})
	h, ok := f.routes[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"PGRST000","message":"no route"}`))
		return
	}
	h(w, r)
}

func (f *fakeProject) handle(method, path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (f *fakeProject) handleFunc(method, path string, h func(w http.ResponseWriter, r *http.Request)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = h
}

func (f *fakeProject) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func (f *fakeProject) client(t *testing.T) *Client {
	t.Helper()
	c, err := New(f.srv.URL, "anon-key")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNewRequiresURLAndKey(t *testing.T) {
	if _, err := New("", "key"); err == nil {
		t.Error("New() with empty url should fail")
	}
	if _, err := New("http://localhost", ""); err == nil {
		t.Error("New() with empty key should fail")
	}
}

func TestFindAccountByEmail(t *testing.T) {
	f := newFakeProject(t)
	f.handle("GET", "/rest/v1/profiles", 200,
		`[{"id":"`+bob+`","name":"Bob","email":"bob@example.com"}]`)
	c := f.client(t)

	p, err := c.FindAccountByEmail(context.Background(), "  Bob@Example.com ")
	if err != nil {
		t.Fatalf("FindAccountByEmail() error = %v", err)
	}
	if p.ID != bob || p.Name != "Bob" {
		t.Errorf("profile = %+v", p)
	}

	reqs := f.recorded()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	if got := reqs[0].Query["email"]; len(got) != 1 || got[0] != "ilike.Bob@Example.com" {
		t.Errorf("email filter = %v, want ilike.Bob@Example.com", got)
	}
	if got := reqs[0].Header.Get("apikey"); got != "anon-key" {
		t.Errorf("apikey header = %q", got)
	}
}

func TestFindAccountByEmailEscapesWildcards(t *testing.T) {
	f := newFakeProject(t)
	f.handle("GET", "/rest/v1/profiles", 200, `[]`)
	c := f.client(t)

	_, err := c.FindAccountByEmail(context.Background(), "a_b%c@example.com")
	if !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("error = %v, want NotFound", err)
	}
	got := f.recorded()[0].Query["email"][0]
	if got != `ilike.a\_b\%c@example.com` {
		t.Errorf("email filter = %q", got)
	}
}

func TestFindAccountByEmailEmpty(t *testing.T) {
	f := newFakeProject(t)
	c := f.client(t)

	_, err := c.FindAccountByEmail(context.Background(), "   ")
	if !apperr.Is(err, apperr.InvalidInput) {
		t.Fatalf("error = %v, want InvalidInput", err)
	}
	if n := len(f.recorded()); n != 0 {
		t.Errorf("made %d requests, want 0", n)
	}
}

func TestCreatePartnershipSelfMakesNoRequest(t *testing.T) {
	f := newFakeProject(t)
	c := f.client(t)

	_, err := c.CreatePartnership(context.Background(), alice, alice, model.StatusAccepted)
	if !apperr.Is(err, apperr.PartnerIsSelf) {
		t.Fatalf("error = %v, want PartnerIsSelf", err)
	}
	if n := len(f.recorded()); n != 0 {
		t.Errorf("made %d requests, want 0", n)
	}
}

func TestCreatePartnership(t *testing.T) {
	f := newFakeProject(t)
	f.handle("GET", "/rest/v1/partnerships", 200, `[]`)
	f.handle("POST", "/rest/v1/partnerships", 201,
		`[{"id":"p1","user1_id":"`+alice+`","user2_id":"`+bob+`","status":"accepted","created_at":"2026-01-02T03:04:05Z"}]`)
	c := f.client(t)

	p, err := c.CreatePartnership(context.Background(), alice, bob, model.StatusAccepted)
	if err != nil {
		t.Fatalf("CreatePartnership() error = %v", err)
	}
	if p.ID != "p1" || p.Status != model.StatusAccepted {
		t.Errorf("partnership = %+v", p)
	}

	reqs := f.recorded()
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	var sent map[string]interface{}
	if err := json.Unmarshal([]byte(reqs[1].Body), &sent); err != nil {
		t.Fatalf("insert body: %v", err)
	}
	if sent["user1_id"] != alice || sent["user2_id"] != bob || sent["status"] != "accepted" {
		t.Errorf("insert body = %v", sent)
	}
	if _, ok := sent["accepted_at"]; !ok {
		t.Error("accepted partnership should carry accepted_at")
	}
}

func TestCreatePartnershipDuplicate(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeProject)
	}{
		{
			name: "existing row in reverse direction",
			setup: func(f *fakeProject) {
				f.handle("GET", "/rest/v1/partnerships", 200, `[{"id":"p0"}]`)
			},
		},
		{
			name: "unique violation on insert",
			setup: func(f *fakeProject) {
				f.handle("GET", "/rest/v1/partnerships", 200, `[]`)
				f.handle("POST", "/rest/v1/partnerships", 409,
					`{"code":"23505","message":"duplicate key value violates unique constraint"}`)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeProject(t)
			tt.setup(f)
			c := f.client(t)

			_, err := c.CreatePartnership(context.Background(), alice, bob, model.StatusAccepted)
			if !apperr.Is(err, apperr.DuplicatePartnership) {
				t.Fatalf("error = %v, want DuplicatePartnership", err)
			}
		})
	}
}

func TestCreatePartnershipRejectsUnknownStatus(t *testing.T) {
	f := newFakeProject(t)
	c := f.client(t)
	_, err := c.CreatePartnership(context.Background(), alice, bob, "maybe")
	if !apperr.Is(err, apperr.InvalidInput) {
		t.Fatalf("error = %v, want InvalidInput", err)
	}
}

func TestCurrentPartnership(t *testing.T) {
	f := newFakeProject(t)
	f.handle("GET", "/rest/v1/partnerships", 200, `[{
		"id":"p1","user1_id":"`+alice+`","user2_id":"`+bob+`","status":"accepted",
		"created_at":"2026-01-02T03:04:05Z",
		"user1_profile":{"id":"`+alice+`","name":"Alice","email":"alice@example.com"},
		"user2_profile":{"id":"`+bob+`","name":"Bob","email":"bob@example.com"}
	}]`)
	c := f.client(t)

	p, err := c.CurrentPartnership(context.Background(), bob)
	if err != nil {
		t.Fatalf("CurrentPartnership() error = %v", err)
	}
	if p == nil || p.Partner == nil || p.Partner.Name != "Alice" {
		t.Fatalf("partnership = %+v, want partner Alice", p)
	}

	q := f.recorded()[0].Query
	if got := q["or"]; len(got) != 1 || got[0] != "(user1_id.eq."+bob+",user2_id.eq."+bob+")" {
		t.Errorf("or filter = %v", got)
	}
	if got := q["status"]; len(got) != 1 || got[0] != "eq.accepted" {
		t.Errorf("status filter = %v", got)
	}
	if !strings.Contains(q["select"][0], "user1_profile:profiles!partnerships_user1_id_fkey") {
		t.Errorf("select = %q, want joined profiles", q["select"][0])
	}
}

func TestCurrentPartnershipNone(t *testing.T) {
	f := newFakeProject(t)
	f.handle("GET", "/rest/v1/partnerships", 200, `[]`)
	c := f.client(t)

	p, err := c.CurrentPartnership(context.Background(), alice)
	if err != nil {
		t.Fatalf("CurrentPartnership() error = %v", err)
	}
	if p != nil {
		t.Errorf("partnership = %+v, want nil", p)
	}
}

func TestAcceptPartnership(t *testing.T) {
	f := newFakeProject(t)
	f.handle("PATCH", "/rest/v1/partnerships", 200,
		`[{"id":"p1","user1_id":"`+alice+`","user2_id":"`+bob+`","status":"accepted"}]`)
	c := f.client(t)

	p, err := c.AcceptPartnership(context.Background(), "p1", bob)
	if err != nil {
		t.Fatalf("AcceptPartnership() error = %v", err)
	}
	if p.Status != model.StatusAccepted {
		t.Errorf("status = %q", p.Status)
	}
	q := f.recorded()[0].Query
	if q["user2_id"][0] != "eq."+bob || q["status"][0] != "eq.pending" {
		t.Errorf("filters = %v", q)
	}
}

func TestDeletePartnership(t *testing.T) {
	f := newFakeProject(t)
	calls := 0
	f.handleFunc("DELETE", "/rest/v1/partnerships", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			_, _ = w.Write([]byte(`[{"id":"p1"}]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})
	c := f.client(t)
	ctx := context.Background()

	if err := c.DeletePartnership(ctx, "p1"); err != nil {
		t.Fatalf("first DeletePartnership() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := c.DeletePartnership(ctx, "p1"); !apperr.Is(err, apperr.NotFound) {
			t.Fatalf("repeat DeletePartnership() error = %v, want NotFound", err)
		}
	}
}

func TestInsertTouchValidatesIntensity(t *testing.T) {
	f := newFakeProject(t)
	f.handle("POST", "/rest/v1/touches", 201,
		`[{"id":"t1","sender_id":"`+alice+`","receiver_id":"`+bob+`","partnership_id":"p1","intensity":3,"sent_at":"2026-01-02T03:04:05Z","is_read":false}]`)
	c := f.client(t)

	tests := []struct {
		intensity int
		wantErr   bool
	}{
		{0, true},
		{1, false},
		{3, false},
		{5, false},
		{6, true},
	}
	for _, tt := range tests {
		_, err := c.InsertTouch(context.Background(), model.NewTouch{
			SenderID:      alice,
			ReceiverID:    bob,
			PartnershipID: "p1",
			Intensity:     tt.intensity,
		})
		if tt.wantErr {
			if !apperr.Is(err, apperr.InvalidInput) {
				t.Errorf("intensity %d: error = %v, want InvalidInput", tt.intensity, err)
			}
		} else if err != nil {
			t.Errorf("intensity %d: error = %v", tt.intensity, err)
		}
	}

	if n := len(f.recorded()); n != 3 {
		t.Errorf("made %d requests, want 3 (invalid touches never sent)", n)
	}
}

func TestInsertTouchToSelfRejected(t *testing.T) {
	f := newFakeProject(t)
	c := f.client(t)
	_, err := c.InsertTouch(context.Background(), model.NewTouch{
		SenderID: alice, ReceiverID: alice, PartnershipID: "p1", Intensity: 3,
	})
	if !apperr.Is(err, apperr.InvalidInput) {
		t.Fatalf("error = %v, want InvalidInput", err)
	}
}

func TestListTouches(t *testing.T) {
	f := newFakeProject(t)
	f.handle("GET", "/rest/v1/touches", 200, `[
		{"id":"t2","intensity":4,"sent_at":"2026-01-02T03:05:00Z"},
		{"id":"t1","intensity":2,"sent_at":"2026-01-02T03:04:00Z"}
	]`)
	c := f.client(t)

	touches, err := c.ListTouches(context.Background(), "p1", 0)
	if err != nil {
		t.Fatalf("ListTouches() error = %v", err)
	}
	if len(touches) != 2 || touches[0].ID != "t2" {
		t.Fatalf("touches = %+v", touches)
	}
	q := f.recorded()[0].Query
	if q["limit"][0] != "50" {
		t.Errorf("limit = %v, want 50", q["limit"])
	}
	if q["order"][0] != "sent_at.desc.nullslast" {
		t.Errorf("order = %v", q["order"])
	}
	if q["partnership_id"][0] != "eq.p1" {
		t.Errorf("partnership filter = %v", q["partnership_id"])
	}
}

func TestMarkTouchRead(t *testing.T) {
	f := newFakeProject(t)
	f.handle("PATCH", "/rest/v1/touches", 200,
		`[{"id":"t1","is_read":true,"received_at":"2026-01-02T03:06:00Z"}]`)
	c := f.client(t)

	at, err := c.MarkTouchRead(context.Background(), "t1", bob)
	if err != nil {
		t.Fatalf("MarkTouchRead() error = %v", err)
	}
	want := time.Date(2026, 1, 2, 3, 6, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Errorf("received_at = %v, want %v", at, want)
	}
	req := f.recorded()[0]
	if req.Query["receiver_id"][0] != "eq."+bob {
		t.Errorf("receiver filter = %v", req.Query["receiver_id"])
	}
	if !strings.Contains(req.Body, `"is_read":true`) {
		t.Errorf("body = %s", req.Body)
	}
}

func TestMarkTouchReadNotReceiver(t *testing.T) {
	f := newFakeProject(t)
	f.handle("PATCH", "/rest/v1/touches", 200, `[]`)
	c := f.client(t)

	_, err := c.MarkTouchRead(context.Background(), "t1", alice)
	if !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("error = %v, want NotFound", err)
	}
}

func TestSetAccessTokenForwardsBearer(t *testing.T) {
	f := newFakeProject(t)
	f.handle("GET", "/rest/v1/touches", 200, `[]`)
	c := f.client(t)

	c.SetAccessToken("user-jwt")
	if _, err := c.ListTouches(context.Background(), "p1", 10); err != nil {
		t.Fatal(err)
	}
	c.SetAccessToken("")
	if _, err := c.ListTouches(context.Background(), "p1", 10); err != nil {
		t.Fatal(err)
	}

	reqs := f.recorded()
	if got := reqs[0].Header.Get("Authorization"); got != "Bearer user-jwt" {
		t.Errorf("Authorization = %q, want Bearer user-jwt", got)
	}
	if got := reqs[1].Header.Get("Authorization"); got != "Bearer anon-key" {
		t.Errorf("Authorization after reset = %q, want Bearer anon-key", got)
	}
}

func TestNetworkFailureKind(t *testing.T) {
	f := newFakeProject(t)
	c := f.client(t)
	f.srv.Close()

	_, err := c.ListTouches(context.Background(), "p1", 10)
	if !apperr.Is(err, apperr.NetworkUnavailable) {
		t.Fatalf("error = %v, want NetworkUnavailable", err)
	}
}

func TestContextCancelledBeforeCall(t *testing.T) {
	f := newFakeProject(t)
	c := f.client(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.ListTouches(ctx, "p1", 10); err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
	if n := len(f.recorded()); n != 0 {
		t.Errorf("made %d requests, want 0", n)
	}
}
