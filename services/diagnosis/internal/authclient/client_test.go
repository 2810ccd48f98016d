package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"cropdoc/pkg/domain"
)

func TestAuthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("apikey") != "anon-key" {
			t.Errorf("missing apikey header")
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"msg": "invalid JWT", "error_code": "bad_jwt"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           "user-1",
			"email":        "farmer@example.com",
			"app_metadata": map[string]string{"role": "admin"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "anon-key")
	user, err := c.Authenticate(context.Background(), "good")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.ID != "user-1" || user.Email != "farmer@example.com" || user.Role != domain.RoleAdmin {
		t.Fatalf("unexpected user %+v", user)
	}

	_, err = c.Authenticate(context.Background(), "bad")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Code != "bad_jwt" || apiErr.Message != "invalid JWT" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}
