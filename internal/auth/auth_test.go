package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIssueAndParse(t *testing.T) {
	j := NewJWT("test-secret")
	id := Identity{UserID: "u1", Name: "Ada", Color: "#ff0000"}

	token, err := j.Issue(id)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := j.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != id {
		t.Fatalf("identity %+v, want %+v", got, id)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := NewJWT("secret-a").Issue(Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewJWT("secret-b").Parse(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := NewJWT("s").Parse("not.a.token"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticateTokenSources(t *testing.T) {
	j := NewJWT("test-secret")
	token, err := j.Issue(Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws/collab/project:1", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		if _, err := j.Authenticate(r); err != nil {
			t.Fatalf("authenticate: %v", err)
		}
	})

	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws/collab/project:1?token="+token, nil)
		if _, err := j.Authenticate(r); err != nil {
			t.Fatalf("authenticate: %v", err)
		}
	})

	t.Run("session cookie", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws/collab/project:1", nil)
		r.AddCookie(&http.Cookie{Name: "session", Value: token})
		if _, err := j.Authenticate(r); err != nil {
			t.Fatalf("authenticate: %v", err)
		}
	})

	t.Run("malformed header wins over cookie", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws/collab/project:1", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		r.AddCookie(&http.Cookie{Name: "session", Value: token})
		if _, err := j.Authenticate(r); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("no credentials", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws/collab/project:1", nil)
		if _, err := j.Authenticate(r); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})
}
