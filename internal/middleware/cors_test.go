package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name        string
		allowed     []string
		method      string
		origin      string
		wantCode    int
		wantOrigin  string
		wantCreds   bool
		wantHeaders string
	}{
		{
			name: "explicit origin", allowed: []string{"https://eval.example.com"},
			method: http.MethodGet, origin: "https://eval.example.com",
			wantCode: http.StatusTeapot, wantOrigin: "https://eval.example.com", wantCreds: true,
			wantHeaders: "Content-Type, X-SHSH-Name",
		},
		{
			name: "wildcard has no credentials", allowed: []string{"*"},
			method: http.MethodGet, origin: "https://other.example.com",
			wantCode: http.StatusTeapot, wantOrigin: "https://other.example.com",
			wantHeaders: "Content-Type, X-SHSH-Name",
		},
		{
			name: "unknown origin", allowed: []string{"https://eval.example.com"},
			method: http.MethodGet, origin: "https://evil.example.com",
			wantCode: http.StatusTeapot,
		},
		{
			name: "preflight", allowed: []string{"*"},
			method: http.MethodOptions, origin: "https://eval.example.com",
			wantCode: http.StatusNoContent, wantOrigin: "https://eval.example.com",
			wantHeaders: "Content-Type, X-SHSH-Name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := CORS(tt.allowed, "X-SHSH-Name")(next)
			r := httptest.NewRequest(tt.method, "/api/me", nil)
			r.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCreds {
				t.Errorf("Allow-Credentials = %v, want %v", got, tt.wantCreds)
			}
			if got := w.Header().Get("Access-Control-Allow-Headers"); got != tt.wantHeaders {
				t.Errorf("Allow-Headers = %q, want %q", got, tt.wantHeaders)
			}
		})
	}
}
