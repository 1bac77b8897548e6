package www

import (
	"net/http"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

// HandleRateLimited is Handle, with a per-IP request limit on the route.
// Each route gets its own limiter, so we don't need httprate.KeyByEndpoint.
func HandleRateLimited(log logs.Log, router *httprouter.Router, method, path string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
	limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
	Handle(log, router, method, path, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handle(w, r, params)
		})).ServeHTTP(w, r)
	})
}
