package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"tracker_server/pkg/apperr"
	"tracker_server/pkg/ratelimit"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

func newApp() *fiber.App {
	return fiber.New(fiber.Config{
		ErrorHandler: ErrorHandler(),
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})
}

func decodeError(t *testing.T, body io.Reader) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	got := []bool{rl.Allow("a"), rl.Allow("a"), rl.Allow("a"), rl.Allow("b")}
	want := []bool{true, true, false, true}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %v, want %v", i, got[i], want[i])
		}
	}

	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Error("token should refill after a second")
	}
}

func TestRateLimiter_Handler(t *testing.T) {
	app := newApp()
	app.Use(NewRateLimiter(0.001, 1).Handler())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, _ := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	resp, _ = app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("second status = %d", resp.StatusCode)
	}
	if got := decodeError(t, resp.Body).Error.Code; got != apperr.CodeRateLimited {
		t.Errorf("code = %s", got)
	}
}

func signed(t *testing.T, secret string, method jwt.SigningMethod, claims AdminClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestAdminAuth(t *testing.T) {
	const secret = "s3cret"
	valid := AdminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@contoso.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	viewer := valid
	viewer.Role = "viewer"
	noExp := valid
	noExp.ExpiresAt = nil

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   string
	}{
		{"valid", "Bearer " + signed(t, secret, jwt.SigningMethodHS256, valid), fiber.StatusOK, ""},
		{"missing", "", fiber.StatusUnauthorized, apperr.CodeUnauthorized},
		{"wrong scheme", "Basic abc", fiber.StatusUnauthorized, apperr.CodeUnauthorized},
		{"wrong secret", "Bearer " + signed(t, "other", jwt.SigningMethodHS256, valid), fiber.StatusUnauthorized, apperr.CodeInvalidToken},
		{"wrong alg", "Bearer " + signed(t, secret, jwt.SigningMethodHS512, valid), fiber.StatusUnauthorized, apperr.CodeInvalidToken},
		{"expired", "Bearer " + signed(t, secret, jwt.SigningMethodHS256, expired), fiber.StatusUnauthorized, apperr.CodeInvalidToken},
		{"no expiry", "Bearer " + signed(t, secret, jwt.SigningMethodHS256, noExp), fiber.StatusUnauthorized, apperr.CodeInvalidToken},
		{"not admin", "Bearer " + signed(t, secret, jwt.SigningMethodHS256, viewer), fiber.StatusForbidden, apperr.CodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newApp()
			app.Use(AdminAuth(secret))
			app.Get("/", func(c *fiber.Ctx) error {
				return c.SendString(c.Locals(LocalAdminSubject).(string))
			})

			req := httptest.NewRequest(fiber.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(fiber.HeaderAuthorization, tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantCode == "" {
				body, _ := io.ReadAll(resp.Body)
				if string(body) != "ops@contoso.com" {
					t.Errorf("subject = %q", body)
				}
				return
			}
			if got := decodeError(t, resp.Body).Error.Code; got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestRequestIDAndRecover(t *testing.T) {
	app := newApp()
	app.Use(RequestID(), Recover())
	app.Get("/panic", func(c *fiber.Ctx) error { panic("boom") })

	req := httptest.NewRequest(fiber.MethodGet, "/panic", nil)
	req.Header.Set("X-Request-ID", "req-1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "req-1" {
		t.Errorf("X-Request-ID = %q", got)
	}
	body := decodeError(t, resp.Body)
	if body.RequestID != "req-1" || body.Error.Code != apperr.CodeInternalError {
		t.Errorf("body = %+v", body)
	}
}

func TestMaxBodySize(t *testing.T) {
	app := newApp()
	app.Use(SecurityHeaders(), MaxBodySize(16))
	app.Post("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	resp, _ := app.Test(httptest.NewRequest(fiber.MethodPost, "/", bytes.NewBufferString("small")))
	if resp.StatusCode != fiber.StatusNoContent {
		t.Errorf("small body status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}

	resp, _ = app.Test(httptest.NewRequest(fiber.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64))))
	if resp.StatusCode != fiber.StatusRequestEntityTooLarge {
		t.Errorf("large body status = %d", resp.StatusCode)
	}
}

type recordingSink struct {
	events []*AuditEvent
}

func (s *recordingSink) Write(_ context.Context, event *AuditEvent) error {
	s.events = append(s.events, event)
	return nil
}

func TestAudit(t *testing.T) {
	sink := &recordingSink{}
	app := newApp()
	app.Use(RequestID(), func(c *fiber.Ctx) error {
		c.Locals(LocalAdminSubject, "ops@contoso.com")
		return c.Next()
	}, Audit(sink))
	app.Post("/conversations/:id/stop", func(c *fiber.Ctx) error {
		return apperr.Conflict("conversation is stopped")
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/conversations/abc/stop", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(sink.events) != 1 {
		t.Fatalf("events = %d", len(sink.events))
	}
	got := sink.events[0]
	if got.Action != "POST /conversations/:id/stop" || got.ResourceID != "abc" || got.Subject != "ops@contoso.com" {
		t.Errorf("event = %+v", got)
	}
	if got.Success || got.StatusCode != fiber.StatusConflict {
		t.Errorf("success = %v status = %d", got.Success, got.StatusCode)
	}
}

func TestSharedRateLimit_NoRedisPassesThrough(t *testing.T) {
	app := fiber.New()
	app.Use(SharedRateLimit(ratelimit.NewSlidingWindowLimiter(nil, 1, 0)))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil), -1)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != fiber.StatusNoContent {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
}
