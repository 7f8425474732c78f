package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// CookieName is the cookie carrying the device identifier.
const CookieName = "deviceId"

// CookieLifetime is how long the identifier cookie lives.
const CookieLifetime = 3650 * 24 * time.Hour

// CookieSource reads the identifier from a request and writes new ones to
// the response.
type CookieSource struct {
	w http.ResponseWriter
	r *http.Request
}

// NewCookieSource creates a source for one request/response pair.
func NewCookieSource(w http.ResponseWriter, r *http.Request) *CookieSource {
	return &CookieSource{w: w, r: r}
}

// Load implements Source.
func (c *CookieSource) Load() (string, error) {
	cookie, err := c.r.Cookie(CookieName)
	if errors.Is(err, http.ErrNoCookie) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}

// Save implements Source. The cookie is Secure when the request arrived over
// TLS, directly or through a proxy.
func (c *CookieSource) Save(id string) error {
	http.SetCookie(c.w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		Expires:  time.Now().Add(CookieLifetime),
		MaxAge:   int(CookieLifetime / time.Second),
		SameSite: http.SameSiteLaxMode,
		Secure:   isHTTPS(c.r),
	})
	return nil
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	ctxKeyDeviceID contextKey = "device_id"
	ctxKeyIssued   contextKey = "device_id_issued"
)

// WithID returns a context carrying the device identifier.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyDeviceID, id)
}

// FromContext returns the device identifier stored by Middleware, or "".
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyDeviceID).(string)
	return id
}

// Issued reports whether the identifier in ctx was minted for this request
// because the client sent none.
func Issued(ctx context.Context) bool {
	issued, _ := ctx.Value(ctxKeyIssued).(bool)
	return issued
}

// Logger is the logging surface Middleware needs.
type Logger interface {
	Error(msg string, args ...any)
}

// Middleware resolves the device identifier for every request, issuing a
// cookie on first contact, and stores it in the request context.
func Middleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := NewProvider(NewCookieSource(w, r))
			id, err := p.ID()
			if err != nil {
				logger.Error("resolving device id", "error", err, "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}
			ctx := WithID(r.Context(), id)
			if p.Issued() {
				ctx = context.WithValue(ctx, ctxKeyIssued, true)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
