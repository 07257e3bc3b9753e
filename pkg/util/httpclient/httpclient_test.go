package httpclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/teapot" {
			http.Error(w, "short and stout", http.StatusTeapot)
			return
		}
		if _, err := w.Write([]byte(`{"ok":true}`)); err != nil {
			t.Errorf("failed to write response: %v", err)
		}
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/ok", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	body, err := Do("test service", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("unexpected body: %s", string(body))
	}

	req, err = http.NewRequest(http.MethodGet, server.URL+"/teapot", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	if _, err := Do("test service", req); err == nil {
		t.Fatal("expected an error for a non-200 response")
	} else if !strings.Contains(err.Error(), "418") || !strings.Contains(err.Error(), "test service") {
		t.Errorf("expected the status code and service in the error, got: %v", err)
	}
}

func TestAdapterFormat(t *testing.T) {
	got := adapter{}.format("retrying request", "attempt", 2)
	if got != "retrying request attempt 2" {
		t.Errorf("unexpected formatted message: %q", got)
	}
}
