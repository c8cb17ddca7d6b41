package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func signedRequest(secret string, at time.Time, body string) *http.Request {
	ts := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(HeaderSignature, Sign(secret, ts, []byte(body)))
	req.Header.Set(HeaderTimestamp, ts)
	return req
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"hello":"world"}`
	now := time.Unix(1_700_000_000, 0)

	v := &Verifier{
		Secrets: []string{"secret"},
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	rec := httptest.NewRecorder()
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})

	v.Middleware(handler).ServeHTTP(rec, signedRequest("secret", now, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != body {
		t.Fatalf("handler saw body %q, want %q", seen, body)
	}
}

func TestMiddleware_AcceptsRotatedSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{
		Secrets: []string{"new-secret", "old-secret"},
		MaxSkew: time.Minute,
		Now:     func() time.Time { return now },
	}

	for _, secret := range []string{"new-secret", "old-secret"} {
		rec := httptest.NewRecorder()
		v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})).ServeHTTP(rec, signedRequest(secret, now, `{}`))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("secret %s: expected 204, got %d", secret, rec.Code)
		}
	}
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	body := `{"foo":"bar"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := &Verifier{
		Secrets: []string{"secret"},
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(HeaderSignature, "deadbeef")
	req.Header.Set(HeaderTimestamp, ts)
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{
		Secrets: []string{"secret"},
		MaxSkew: time.Minute,
		Now:     func() time.Time { return now },
	}

	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, signedRequest("secret", now.Add(-5*time.Minute), `{}`))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), ErrStaleTimestamp.Error()) {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestMiddleware_DisabledWithoutSecrets(t *testing.T) {
	v := &Verifier{MaxSkew: time.Minute}
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
