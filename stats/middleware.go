package stats

import (
	"net/http"
	"time"
)

// EndpointFunc names the endpoint a finished request belongs to. It runs
// after the wrapped handler returned, so routing information set on the
// request (such as http.Request.Pattern) is available. Returning false
// records the request in the overall sample only.
type EndpointFunc func(r *http.Request) (string, bool)

// PatternEndpoint names requests by the http.ServeMux pattern that matched
// them.
func PatternEndpoint(r *http.Request) (string, bool) {
	if r.Pattern == "" {
		return "", false
	}
	return r.Pattern, true
}

// Middleware records every request passing through next into acc. A
// request counts as an error when the handler responds 500 or panics. A nil
// endpointFn disables per-endpoint samples.
func Middleware(acc *Accumulator, endpointFn EndpointFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			panicked := true
			defer func() {
				var endpoint string
				if endpointFn != nil {
					if name, ok := endpointFn(r); ok {
						endpoint = name
					}
				}
				isError := panicked || rec.status == http.StatusInternalServerError
				acc.RecordCompletion(endpoint, time.Since(start).Seconds(), isError)
			}()
			next.ServeHTTP(rec, r)
			panicked = false
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
