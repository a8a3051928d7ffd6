package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthenticate(t *testing.T) {
	svc := NewService(ModeStatic, map[string]string{"tok-1": "ops"}, nil)

	subject, err := svc.Authenticate(context.Background(), "Bearer tok-1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "ops" {
		t.Fatalf("subject = %+v", subject)
	}

	// 裸令牌也接受。
	if _, err := svc.Authenticate(context.Background(), "tok-1"); err != nil {
		t.Fatalf("bare token: %v", err)
	}

	if _, err := svc.Authenticate(context.Background(), ""); err != ErrMissingToken {
		t.Fatalf("err = %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "Bearer wrong"); err != ErrInvalidToken {
		t.Fatalf("err = %v", err)
	}
}

func TestMiddlewareRejectsWithoutToken(t *testing.T) {
	svc := NewService(ModeStatic, map[string]string{"tok-1": "ops"}, nil)
	handler := svc.Middleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMiddlewareDisabledBypasses(t *testing.T) {
	svc := NewService(ModeDisabled, nil, nil)
	called := false
	handler := svc.Middleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, ok := SubjectFrom(r.Context()); ok {
			t.Fatal("disabled mode must not attach a subject")
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatal("handler not reached")
	}
}

func TestSubjectContextRoundTrip(t *testing.T) {
	ctx := WithSubject(context.Background(), Subject{Name: "ops"})
	subject, ok := SubjectFrom(ctx)
	if !ok || subject.Name != "ops" {
		t.Fatalf("subject = %+v, ok = %v", subject, ok)
	}
}
