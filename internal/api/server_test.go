package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealth_NoAuth(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authReq("GET", "/health", "", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body)
	}
}

func TestHealth_DatabaseDown(t *testing.T) {
	h, store, _ := setupHandler(t, testToken)
	store.Close()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authReq("GET", "/health", "", ""))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestAuth_Rejects(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	for _, token := range []string{"", "wrong-token"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, authReq("GET", "/feedback", "", token))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, w.Code)
		}
		var body struct {
			Error struct {
				Type string `json:"type"`
			} `json:"error"`
		}
		json.Unmarshal(w.Body.Bytes(), &body)
		if body.Error.Type != "authentication_error" {
			t.Fatalf("expected authentication_error, got %q", body.Error.Type)
		}
	}
}

func TestAuth_EmptyConfiguredTokenRejectsAll(t *testing.T) {
	h, _, _ := setupHandler(t, "")

	req := authReq("GET", "/stores", "", "")
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMetrics_MountedBehindAuth(t *testing.T) {
	store := openTestStore(t)
	h := NewHandler(Deps{
		Store: store,
		Token: testToken,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("storevoice_claims_total 0\n"))
		}),
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authReq("GET", "/metrics", "", ""))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, authReq("GET", "/metrics", "", testToken))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "storevoice_claims_total") {
		t.Fatalf("metrics: %d %q", w.Code, w.Body.String())
	}
}

func TestMetrics_AbsentWhenDisabled(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authReq("GET", "/metrics", "", testToken))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=500", 200},
		{"limit=-3", 50},
		{"limit=abc", 50},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/feedback?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 50, 200); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
