package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/auth"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-with-enough-entropy"

func createTestToken(t *testing.T, secret, sub string, roles []string, ttl time.Duration) string {
	t.Helper()
	token, err := auth.IssueToken(secret, sub, roles, ttl)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func serve(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func mustNotRun(t *testing.T) http.Handler {
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler should not be called")
	})
}

func TestMiddleware_ValidJWT(t *testing.T) {
	middleware := auth.NewMiddleware(auth.NewJWTValidator(testSecret))

	var captured auth.Principal
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.GetPrincipal(r.Context())
		if err != nil {
			t.Errorf("expected principal in context: %v", err)
		}
		captured = p
		w.WriteHeader(http.StatusOK)
	}))

	token := createTestToken(t, testSecret, "alice", []string{auth.RoleOperator}, time.Hour)
	w := serve(t, handler, "/v1/dead-letter", token)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if captured == nil {
		t.Fatal("principal was not set in context")
	}
	if captured.GetID() != "alice" {
		t.Errorf("expected subject 'alice', got %q", captured.GetID())
	}
	if !captured.HasPermission(auth.PermTriage) || captured.HasPermission(auth.PermManage) {
		t.Errorf("unexpected permissions for operator role")
	}
}

func TestMiddleware_ExpiredJWT(t *testing.T) {
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(mustNotRun(t))
	token := createTestToken(t, testSecret, "alice", nil, -time.Hour)

	if w := serve(t, handler, "/v1/stuck", token); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(mustNotRun(t))

	if w := serve(t, handler, "/v1/stuck", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_WrongScheme(t *testing.T) {
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(mustNotRun(t))
	req := httptest.NewRequest(http.MethodGet, "/v1/stuck", nil)
	req.Header.Set("Authorization", "Basic YWxpY2U6c2VjcmV0")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_InvalidSignature(t *testing.T) {
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(mustNotRun(t))
	token := createTestToken(t, "another-secret", "alice", nil, time.Hour)

	if w := serve(t, handler, "/v1/stuck", token); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_RejectsOtherAlgorithms(t *testing.T) {
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(mustNotRun(t))
	claims := auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	if w := serve(t, handler, "/v1/stuck", token); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_PublicPathsBypass(t *testing.T) {
	called := false
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/health", "/metrics"} {
		called = false
		w := serve(t, handler, path, "")
		if !called || w.Code != http.StatusOK {
			t.Errorf("%s: expected public access, got %d", path, w.Code)
		}
	}
}

func TestMiddleware_NilValidator_FailClosed(t *testing.T) {
	handler := auth.NewMiddleware(auth.NewJWTValidator(""))(mustNotRun(t))

	if w := serve(t, handler, "/v1/stuck", "some-token"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestRequire(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(auth.Require(auth.PermManage, ok))

	viewer := createTestToken(t, testSecret, "bob", []string{auth.RoleViewer}, time.Hour)
	if w := serve(t, handler, "/v1/resources/arxiv/pause", viewer); w.Code != http.StatusForbidden {
		t.Errorf("viewer: expected 403, got %d", w.Code)
	}
	admin := createTestToken(t, testSecret, "root", []string{auth.RoleAdmin}, time.Hour)
	if w := serve(t, handler, "/v1/resources/arxiv/pause", admin); w.Code != http.StatusNoContent {
		t.Errorf("admin: expected 204, got %d", w.Code)
	}
}

func TestIssueToken_RequiresSecretAndSubject(t *testing.T) {
	if _, err := auth.IssueToken("", "alice", nil, time.Hour); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := auth.IssueToken(testSecret, "", nil, time.Hour); err == nil {
		t.Error("expected error for empty subject")
	}
}

func TestActorID(t *testing.T) {
	if got := auth.ActorID(context.Background()); got != "system" {
		t.Errorf("expected system actor, got %q", got)
	}
	ctx := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{ID: "alice"})
	if got := auth.ActorID(ctx); got != "alice" {
		t.Errorf("expected alice, got %q", got)
	}
}

func TestGetRequestID_ExtractsFromContext(t *testing.T) {
	var got string
	handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = auth.GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := serve(t, handler, "/v1/tasks", "")
	if got == "" {
		t.Fatal("expected non-empty request id from context")
	}
	if w.Header().Get("X-Request-ID") != got {
		t.Fatal("expected X-Request-ID header to match context")
	}
}

func TestGetRequestID_ReplacesMalformed(t *testing.T) {
	var got string
	handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = auth.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if len(got) != 36 {
		t.Fatalf("expected a generated uuid, got %q", got)
	}

	req.Header.Set("X-Request-ID", "client-abc-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got != "client-abc-1" {
		t.Fatalf("expected client id to be reused, got %q", got)
	}
}
