package pluginserver

import "net/http"

// MirrorCORS allows any origin by echoing the request's Origin, method and
// requested headers back. Preflight requests are answered directly.
func MirrorCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			method := r.Header.Get("Access-Control-Request-Method")
			if method == "" {
				method = r.Method
			}
			h.Set("Access-Control-Allow-Methods", method)
			if headers := r.Header.Get("Access-Control-Request-Headers"); headers != "" {
				h.Set("Access-Control-Allow-Headers", headers)
			}
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
