package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeaderRequestID carries the journal entry id on requests and replays.
const HeaderRequestID = "X-Request-ID"

// journaledHeaders are the request headers worth persisting. Authorization
// is deliberately absent.
var journaledHeaders = []string{"Content-Type", "User-Agent", "X-Session-ID", HeaderRequestID}

// mutating reports whether a request method changes server state.
func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// Middleware journals every mutating request. The entry is pending before
// the handler runs, processing while it runs, and completed or failed from
// the terminal response status. Reads and the paths in skip pass through
// untouched.
func Middleware(q *Queue, skip []string, log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("journal")
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) || skipped[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			id := r.Header.Get(HeaderRequestID)
			if id == "" {
				id = uuid.NewString()
				r.Header.Set(HeaderRequestID, id)
			}

			entry := &Entry{
				ID:      id,
				Method:  r.Method,
				Path:    r.URL.Path,
				Model:   modelFrom(body),
				Headers: captureHeaders(r),
				Body:    body,
			}
			if err := q.Add(entry); err != nil {
				// Journal failure must not take down serving.
				log.Error("failed to journal request", zap.String("id", id), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if err := q.MarkProcessing(id); err != nil {
				log.Warn("failed to mark processing", zap.String("id", id), zap.Error(err))
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 400 {
				err = q.MarkCompleted(id)
			} else {
				err = q.MarkFailed(id, fmt.Sprintf("http %d", rec.status))
			}
			if err != nil {
				log.Warn("failed to finalize journal entry", zap.String("id", id), zap.Error(err))
			}
		})
	}
}

// modelFrom pulls the model field out of a JSON request body, if any.
func modelFrom(body []byte) string {
	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Model
}

func captureHeaders(r *http.Request) map[string]string {
	out := make(map[string]string, len(journaledHeaders))
	for _, h := range journaledHeaders {
		if v := r.Header.Get(h); v != "" {
			out[h] = v
		}
	}
	return out
}

// statusRecorder remembers the status code while passing everything
// through, including http.Flusher for SSE streams.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
