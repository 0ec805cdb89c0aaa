package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Ledger  bool   `json:"ledger,omitempty"`
}

// HTTPHandler reports process health. When a ledger pool is configured it is
// pinged; a failing ledger degrades the status to 503.
func HTTPHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok"}

		if pool != nil {
			st.Ledger = true
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "ledger ping failed"
				st.Ledger = false
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}
