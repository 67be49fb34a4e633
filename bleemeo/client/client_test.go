package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(server.URL+"/", "user", "pass", false)
	if err != nil {
		t.Fatal(err)
	}

	return c, server
}

func TestDoAuthenticatesThenRetriesOn401(t *testing.T) {
	var tokenCalls, dataCalls int32

	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/jwt-auth/":
			atomic.AddInt32(&tokenCalls, 1)
			_ = json.NewEncoder(w).Encode(map[string]string{"Token": "tok"})
		case r.URL.Path == "/v1/metric/m1/":
			n := atomic.AddInt32(&dataCalls, 1)
			if n == 1 {
				// First call with a (valid-looking) token still gets rejected once.
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"detail": "token expired"})

				return
			}

			_ = json.NewEncoder(w).Encode(map[string]string{"id": "m1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	var result struct{ ID string }

	status, err := c.Do(context.Background(), "GET", "/v1/metric/m1/", nil, &result)
	if err != nil {
		t.Fatal(err)
	}

	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	if result.ID != "m1" {
		t.Fatalf("ID = %q, want m1", result.ID)
	}

	if atomic.LoadInt32(&dataCalls) != 2 {
		t.Fatalf("data endpoint called %d times, want exactly 2", dataCalls)
	}

	if atomic.LoadInt32(&tokenCalls) != 2 {
		t.Fatalf("jwt-auth called %d times, want 2 (initial + re-auth)", tokenCalls)
	}
}

func TestIterFollowsNextUntil404(t *testing.T) {
	pages := 0

	c, server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/jwt-auth/":
			_ = json.NewEncoder(w).Encode(map[string]string{"Token": "tok"})
		case r.URL.Path == "/v1/metric/":
			pages++
			if pages == 1 {
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"next":    "/v1/metric/?page=2",
					"results": []json.RawMessage{[]byte(`{"id":"a"}`)},
				})

				return
			}

			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	_ = server

	items, err := c.Iter(context.Background(), "metric", nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(items) != 1 {
		t.Fatalf("got %d items, want 1 (second page ends on 404 with no error)", len(items))
	}
}

func TestGetJWTFailureIsAuthError(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "bad credentials"})
	})

	_, err := c.Do(context.Background(), "GET", "/v1/metric/m1/", nil, nil)
	if !IsAuthError(err) {
		t.Fatalf("err = %v, want AuthError", err)
	}
}

func TestDoNotFound(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/jwt-auth/" {
			_ = json.NewEncoder(w).Encode(map[string]string{"Token": "tok"})

			return
		}

		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Do(context.Background(), "GET", "/v1/metric/missing/", nil, nil)
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}
