package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func protected(a *Auth) http.Handler {
	return a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(Subject(r.Context())))
	}))
}

func TestMiddleware_AcceptsValidToken(t *testing.T) {
	a := New(testSecret)
	token, err := a.IssueToken("user-123", "ana@example.com", RoleAuthenticated, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	protected(a).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "user-123" {
		t.Errorf("subject not in context, got %q", w.Body.String())
	}
}

func TestMiddleware_QueryToken(t *testing.T) {
	a := New(testSecret)
	token, _ := a.IssueToken("user-123", "", RoleServiceRole, time.Hour)

	req := httptest.NewRequest("GET", "/api/v1/events?token="+token, nil)
	w := httptest.NewRecorder()
	protected(a).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	a := New(testSecret)
	other := New("a-different-secret-that-is-also-long-enough")

	expired, _ := a.IssueToken("user-123", "", RoleAuthenticated, -time.Minute)
	wrongKey, _ := other.IssueToken("user-123", "", RoleAuthenticated, time.Hour)
	anon, _ := a.IssueToken("anon", "", "anon", time.Hour)

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role: RoleAuthenticated,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	noSubjectStr, _ := noSubject.SignedString([]byte(testSecret))

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"expired", expired, http.StatusUnauthorized},
		{"wrong key", wrongKey, http.StatusUnauthorized},
		{"no subject", noSubjectStr, http.StatusUnauthorized},
		{"anon role", anon, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/queue", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			protected(a).ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestValidateToken_RejectsNoneAlgorithm(t *testing.T) {
	a := New(testSecret)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		Role: RoleAuthenticated,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, _ := token.SignedString(jwt.UnsafeAllowNoneSignatureType)

	if _, err := a.ValidateToken(s); err == nil {
		t.Error("unsigned token must be rejected")
	}
}

func TestCustomRoles(t *testing.T) {
	a := New(testSecret, "admin")
	token, _ := a.IssueToken("user-1", "", RoleAuthenticated, time.Hour)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	protected(a).ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for role outside the allowed set, got %d", w.Code)
	}
}
