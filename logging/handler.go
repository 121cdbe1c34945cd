package logging

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// FlowIDHeader carries the id of a request through the gateway, the
// backends and the access log.
const FlowIDHeader = "X-Flow-Id"

type loggingHandler struct {
	next http.Handler
}

// NewHandler wraps a handler with access logging. Requests without a
// flow id get a new one.
func NewHandler(next http.Handler) http.Handler {
	return &loggingHandler{next: next}
}

func (lh *loggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	flowID := r.Header.Get(FlowIDHeader)
	if flowID == "" {
		flowID = uuid.NewString()
		r.Header.Set(FlowIDHeader, flowID)
	}

	lw := &loggingWriter{writer: w}
	lh.next.ServeHTTP(lw, r)

	if lw.code == 0 {
		lw.code = http.StatusOK
	}

	LogAccess(&AccessEntry{
		Request:      r,
		StatusCode:   lw.code,
		ResponseSize: lw.bytes,
		RequestTime:  now,
		Duration:     time.Since(now),
		FlowID:       flowID,
	})
}
