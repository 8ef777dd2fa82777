package consumer

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/md-rashed-zaman/eventpipe/libs/streams"
)

type HealthSource interface {
	Health(ctx context.Context, stream string) ([]streams.GroupHealth, error)
}

// StreamzHandler serves consumer-group health for topics as JSON.
func StreamzHandler(src HealthSource, topics []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := make([]streams.GroupHealth, 0, len(topics))
		for _, topic := range topics {
			groups, err := src.Health(r.Context(), topic)
			if err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			out = append(out, groups...)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}
