package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "stockbot/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, srv
}

func TestAuthenticateSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/login/" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "alice" {
			t.Errorf("username not forwarded: %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "abc", "expires_in": 3600})
	})

	tok, err := c.Authenticate(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if tok.Access != "abc" || tok.ExpiresIn != time.Hour {
		t.Fatalf("unexpected token: %+v", tok)
	}
}

func TestAuthenticateLegacyJWTShape(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access": "jwt-a", "refresh": "jwt-r"})
	})

	tok, err := c.Authenticate(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if tok.Access != "jwt-a" || tok.Refresh != "jwt-r" {
		t.Fatalf("legacy shape not accepted: %+v", tok)
	}
	if tok.ExpiresIn != time.Hour {
		t.Fatalf("missing expires_in should default to 1h, got %v", tok.ExpiresIn)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"detail":"bad token"}`, IsAuth},
		{"forbidden", http.StatusForbidden, `{}`, IsAuth},
		{"server error", http.StatusInternalServerError, ``, IsUnavailable},
		{"bad gateway", http.StatusBadGateway, ``, IsUnavailable},
		{"garbage body", http.StatusOK, `{"results": nope}`, IsMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.ListAlerts(context.Background(), "tok")
			if err == nil || !tc.check(err) {
				t.Fatalf("wrong error class: %v", err)
			}
		})
	}
}

func TestConnectionFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // nothing listening anymore
	c, err := New(Config{BaseURL: srv.URL, Timeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.ListAlerts(context.Background(), "tok"); !IsUnavailable(err) {
		t.Fatalf("want unavailable, got %v", err)
	}
}

func TestAuthDetailSurfaced(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"token expired"}`))
	})
	_, err := c.Summary(context.Background(), "tok")
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("want AuthError, got %v", err)
	}
	if ae.Detail != "token expired" {
		t.Fatalf("detail not extracted: %q", ae.Detail)
	}
}

func TestBearerHeader(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("authorization header = %q", got)
		}
		_, _ = w.Write([]byte(`[]`))
	})
	if _, err := c.ListAlerts(context.Background(), "tok-123"); err != nil {
		t.Fatalf("list: %v", err)
	}
}

func TestListShapes(t *testing.T) {
	alert := `{"id":9,"stock":3,"stock_symbol":"ACME","condition":">","threshold_price":"100.50","status":"triggered"}`
	for _, tc := range []struct {
		name string
		body string
	}{
		{"bare array", `[` + alert + `]`},
		{"paginated", `{"count":1,"results":[` + alert + `]}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			})
			alerts, err := c.ListTriggeredAlerts(context.Background(), "tok")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(alerts) != 1 || alerts[0].ID != 9 || !alerts[0].Triggered() {
				t.Fatalf("unexpected alerts: %+v", alerts)
			}
		})
	}
}

func TestCreateAlertBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["alert_type"] != "THRESHOLD" || body["condition"] != ">" {
			t.Errorf("unexpected payload: %v", body)
		}
		if _, ok := body["duration_minutes"]; ok {
			t.Errorf("zero duration must be omitted")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 5, "stock": 3})
	})
	created, err := c.CreateAlert(context.Background(), "tok", NewAlert{
		StockID: 3, Condition: ">", Threshold: "100.50",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != 5 {
		t.Fatalf("created id = %d", created.ID)
	}
}

func TestRefreshGetsDoubleBudget(t *testing.T) {
	slow := func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{"refreshed_count": 3})
	}
	srv := httptest.NewServer(http.HandlerFunc(slow))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Timeout: 100 * time.Millisecond}, logx.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	// Slower than the base budget but inside the doubled refresh budget.
	res, err := c.RefreshPrices(context.Background(), "tok")
	if err != nil {
		t.Fatalf("refresh should survive a slow remote: %v", err)
	}
	if res.RefreshedCount != 3 {
		t.Fatalf("refreshed_count = %d", res.RefreshedCount)
	}

	// Ordinary calls still stop at the base budget.
	if _, err := c.Summary(context.Background(), "tok"); !IsUnavailable(err) {
		t.Fatalf("slow summary should exceed the base budget, got %v", err)
	}
}

func TestCreateAlertValidationError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"threshold_price":["must be positive"]}`))
	})
	_, err := c.CreateAlert(context.Background(), "tok", NewAlert{StockID: 1, Condition: ">", Threshold: "-1"})
	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("want RequestError, got %v", err)
	}
	if re.Detail == "" {
		t.Fatalf("validation detail lost")
	}
}
