package watcher

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/vintwatch/kit"
	"github.com/hazyhaar/vintwatch/shield"
)

// Handler returns the read-only status router:
//
//	GET /healthz
//	GET /status
//	GET /finds?limit=&profile=
//	GET /profiles
//	GET /metrics
func (w *Watcher) Handler() http.Handler {
	status := w.statusEndpoint()
	recent := w.findsEndpoint()
	profs := w.profilesEndpoint()

	r := chi.NewRouter()
	for _, mw := range shield.Stack(w.logger) {
		r.Use(mw)
	}
	r.Get("/healthz", func(rw http.ResponseWriter, req *http.Request) {
		code, state := w.Health()
		writeJSON(rw, code, map[string]string{"status": state})
	})
	r.Get("/status", serve(status, func(*http.Request) any { return nil }))
	r.Get("/finds", serve(recent, func(req *http.Request) any {
		return &FindsRequest{
			Limit:   queryInt(req, "limit", defaultFindsLimit),
			Profile: req.URL.Query().Get("profile"),
		}
	}))
	r.Get("/profiles", serve(profs, func(*http.Request) any { return nil }))
	r.Handle("/metrics", w.metrics.Handler())
	return r
}

func serve(ep kit.Endpoint, decode func(*http.Request) any) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		resp, err := ep(req.Context(), decode(req))
		if err != nil {
			writeError(rw, http.StatusInternalServerError, err)
			return
		}
		writeJSON(rw, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
