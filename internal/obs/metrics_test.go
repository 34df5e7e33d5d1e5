package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRouteLabel(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			got = RouteLabel(req)
		})
	})
	r.Get("/users/{id}/roles", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	cases := map[string]string{
		"/users/42/roles":  "/users/{id}/roles",
		"/users/abc/roles": "/users/{id}/roles",
		"/nope/123":        "unmatched",
	}
	for path, want := range cases {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
		if got != want {
			t.Fatalf("RouteLabel(%q)=%q, want %q", path, got, want)
		}
	}
}

func TestRouteLabelOutsideRouter(t *testing.T) {
	if got := RouteLabel(httptest.NewRequest(http.MethodGet, "/x", nil)); got != "unmatched" {
		t.Fatalf("expected unmatched, got %q", got)
	}
}

func TestInstrumentCountsByRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Instrument)
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/items/{id}", "418"))
	for _, p := range []string{"/items/1", "/items/2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/items/{id}", "418"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests recorded, got %v", after-before)
	}
}
