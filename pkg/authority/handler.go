package authority

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/porthorian/rhombus/pkg/identity"
	"github.com/porthorian/rhombus/pkg/token"
)

// Resolver is the master-side lookup the confirm endpoint answers from.
type Resolver interface {
	Resolve(ctx context.Context, raw string) (identity.Snapshot, bool)
}

// Handler serves GET /confirm for slave deployments. Unknown tokens are
// answered with confirmed=false and status 200.
func Handler(resolver Resolver, logger logr.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		raw := r.URL.Query().Get("principal")
		response := Confirmation{}
		if raw != "" {
			if snapshot, ok := resolver.Resolve(r.Context(), raw); ok {
				response.Confirmed = true
				if r.URL.Query().Get("userinfo") == "1" {
					response.UserInfo = UserInfo{
						Lastname:      snapshot.Lastname,
						Firstname:     snapshot.Firstname,
						Email:         snapshot.Email,
						GroupsAdded:   snapshot.GroupNames(),
						GroupsRemoved: []string{},
						Groups:        snapshot.GroupNames(),
					}
				}
			}
		}

		logger.V(1).Info("confirm request", "principal", token.Redact(raw), "confirmed", response.Confirmed)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Error(err, "write confirm response")
		}
	})
}
