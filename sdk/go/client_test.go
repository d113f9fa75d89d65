package stegopssdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
)

func serve(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: h}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	return "http://" + ln.Addr().String()
}

func TestSendEvent(t *testing.T) {
	url := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/events" || r.Header.Get("X-GitHub-Event") != "issue_comment" || r.Header.Get("X-Api-Key") != "k" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil || payload["action"] != "created" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"engagement_id": 7, "written": true, "to": "qualified", "run_id": r.Header.Get("X-GitHub-Delivery")})
	})
	c := New(url + "/")
	c.APIKey = "k"
	out, err := c.SendEvent(context.Background(), "issue_comment", "d-1", []byte(`{"action":"created"}`))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if out.EngagementID != 7 || !out.Written || out.To != "qualified" || out.RunID != "d-1" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestValidateViolations(t *testing.T) {
	url := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"validation_failed","message":"state output validation failed","details":{"violations":["STATUS.md is too short"]}}}`))
	})
	c := New(url)
	c.BearerToken = "tok"
	_, err := c.Validate(context.Background(), 7)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "validation_failed" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if v := apiErr.Violations(); len(v) != 1 || v[0] != "STATUS.md is too short" {
		t.Fatalf("violations: %v", v)
	}
}

func TestEngagementsQuery(t *testing.T) {
	url := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != "qualified" || r.URL.Query().Get("limit") != "5" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"items":[{"id":3,"state":"qualified","service":"audit","customer":"bob","title":"t","updated_utc":"2024-01-01T00:00:00Z"}],"source":"journal"}`))
	})
	items, err := New(url).Engagements(context.Background(), "qualified", 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != 3 || items[0].Customer != "bob" {
		t.Fatalf("unexpected items %+v", items)
	}
}
