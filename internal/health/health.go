package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is anything that can report liveness of a dependency (pgxpool.Pool,
// redis.Client via a small adapter, ...)
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to a Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK       bool            `json:"ok"`
	Message  string          `json:"message,omitempty"`
	Database bool            `json:"database"`
	Checks   map[string]bool `json:"checks,omitempty"`
}

// HTTPHandler returns an HTTP handler that reports the health status of the
// service. db may be nil; extra dependencies are reported under checks and
// mark the service unhealthy when their ping fails.
func HTTPHandler(db Pinger, extra map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()

		st := Check(ctx, db, extra)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Check pings db and every extra dependency
func Check(ctx context.Context, db Pinger, extra map[string]Pinger) Status {
	st := Status{OK: true, Message: "ok", Database: true}
	if db != nil {
		if err := db.Ping(ctx); err != nil {
			st.OK = false
			st.Message = "db ping failed"
			st.Database = false
		}
	}
	if len(extra) > 0 {
		st.Checks = make(map[string]bool, len(extra))
		for name, p := range extra {
			ok := p.Ping(ctx) == nil
			st.Checks[name] = ok
			if !ok && st.OK {
				st.OK = false
				st.Message = name + " ping failed"
			}
		}
	}
	return st
}
