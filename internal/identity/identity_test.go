package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareMintsAndReusesIdentity(t *testing.T) {
	var seen string
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
	}))

	// First request has no cookie; a fresh identity is minted and set.
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || !isValidAnonID(seen) {
		t.Fatalf("minted identity %q is not a valid anonymous id", seen)
	}
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == AnonCookieName {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != seen {
		t.Fatalf("cookie = %v, want %s set as %s", cookie, seen, AnonCookieName)
	}

	// A request presenting the cookie keeps the same identity.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	first := seen
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != first {
		t.Fatalf("identity changed across requests: %q vs %q", first, seen)
	}
}

func TestMiddlewareRejectsForgedCookie(t *testing.T) {
	var seen string
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "anon_not-hex"})
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "anon_not-hex" {
		t.Fatal("forged cookie value was accepted as an identity")
	}
	if !isValidAnonID(seen) {
		t.Fatalf("replacement identity %q is not valid", seen)
	}
}

func TestIPFromRequest(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"10.1.2.3:5512", "10.1.2.3"},
		{"[::1]:8080", "::1"},
		{"garbage", "garbage"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remote
		if got := IPFromRequest(r); got != tt.want {
			t.Errorf("IPFromRequest(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}
