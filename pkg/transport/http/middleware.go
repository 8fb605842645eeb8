package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/porthorian/rhombus/pkg/authz"
	rerrors "github.com/porthorian/rhombus/pkg/errors"
	"github.com/porthorian/rhombus/pkg/identity"
	"github.com/porthorian/rhombus/pkg/session"
)

const DefaultRequestIDHeader = "X-Request-ID"

// Sessions is the part of *session.Manager the HTTP layer drives.
type Sessions interface {
	Attach(ctx context.Context, raw string) context.Context
	Login(ctx context.Context, login string, domain string, password string) (session.LoginResult, error)
	Logout(ctx context.Context, raw string) (session.CookieInstruction, error)
	CookieName() string
}

var _ Sessions = (*session.Manager)(nil)

type CookieConfig struct {
	Secure   bool
	HTTPOnly bool
	Domain   string
	// ParentDomain is used instead of Domain when the session asks for
	// parent-domain scope. Empty derives it from Domain.
	ParentDomain string
	Path         string
	SameSite     http.SameSite
}

type MiddlewareConfig struct {
	Cookie          CookieConfig
	RequestIDHeader string
	Logger          logr.Logger
}

func DefaultConfig() MiddlewareConfig {
	return MiddlewareConfig{
		Cookie: CookieConfig{
			HTTPOnly: true,
			Path:     "/",
			SameSite: http.SameSiteLaxMode,
		},
		RequestIDHeader: DefaultRequestIDHeader,
	}
}

type requestIDContextKey struct{}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

// Middleware tags the request with an id and attaches the identity behind
// the authentication cookie, if any. It never rejects a request.
func Middleware(sessions Sessions, config MiddlewareConfig) func(http.Handler) http.Handler {
	config = withDefaults(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get(config.RequestIDHeader))
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(config.RequestIDHeader, requestID)
			ctx := context.WithValue(r.Context(), requestIDContextKey{}, requestID)

			if cookie, err := r.Cookie(sessions.CookieName()); err == nil && cookie.Value != "" {
				ctx = sessions.Attach(ctx, cookie.Value)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRoles answers 401 without an identity and 403 when any of roles
// is missing.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snapshot, ok := identity.FromContext(r.Context())
			if !ok {
				http.Error(w, "not authenticated", http.StatusUnauthorized)
				return
			}
			if !authz.HasAllRoles(snapshot, roles...) {
				http.Error(w, "not authorized", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetCookie applies instruction to w.
func SetCookie(w http.ResponseWriter, instruction session.CookieInstruction, config CookieConfig) {
	cookie := &http.Cookie{
		Name:     instruction.Name,
		Value:    instruction.Value,
		Path:     config.Path,
		Domain:   cookieDomain(instruction.ParentDomain, config),
		Secure:   config.Secure,
		HttpOnly: config.HTTPOnly,
		SameSite: config.SameSite,
	}
	if cookie.Path == "" {
		cookie.Path = "/"
	}

	if instruction.Clear {
		cookie.Value = ""
		cookie.MaxAge = -1
	} else if instruction.MaxAge > 0 {
		cookie.MaxAge = int(instruction.MaxAge.Seconds())
	}
	http.SetCookie(w, cookie)
}

type loginResponse struct {
	Login  string   `json:"login"`
	Domain string   `json:"domain"`
	UserID int64    `json:"user_id"`
	Groups []string `json:"groups"`
	Roles  []string `json:"roles"`
}

// LoginHandler accepts a POSTed form with login, domain and password.
func LoginHandler(sessions Sessions, config MiddlewareConfig) http.Handler {
	config = withDefaults(config)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}

		result, err := sessions.Login(r.Context(), r.PostForm.Get("login"), r.PostForm.Get("domain"), r.PostForm.Get("password"))
		if err != nil {
			writeError(w, config.Logger, r, err)
			return
		}

		SetCookie(w, result.Cookie, config.Cookie)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(loginResponse{
			Login:  result.Snapshot.Login,
			Domain: result.Snapshot.Domain,
			UserID: result.Snapshot.UserID,
			Groups: result.Snapshot.GroupNames(),
			Roles:  result.Snapshot.RoleNames(),
		})
	})
}

func LogoutHandler(sessions Sessions, config MiddlewareConfig) http.Handler {
	config = withDefaults(config)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := ""
		if cookie, err := r.Cookie(sessions.CookieName()); err == nil {
			raw = cookie.Value
		}

		instruction, err := sessions.Logout(r.Context(), raw)
		SetCookie(w, instruction, config.Cookie)
		if err != nil {
			writeError(w, config.Logger, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func writeError(w http.ResponseWriter, logger logr.Logger, r *http.Request, err error) {
	switch rerrors.CodeOf(err) {
	case rerrors.CodeInvalidCredentials:
		http.Error(w, "invalid login or password", http.StatusUnauthorized)
	case rerrors.CodeProvisioningDenied:
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		logger.Error(err, "request failed", "path", r.URL.Path, "requestID", RequestIDFromContext(r.Context()))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func cookieDomain(parent bool, config CookieConfig) string {
	if !parent {
		return config.Domain
	}
	if config.ParentDomain != "" {
		return config.ParentDomain
	}
	labels := strings.Split(strings.TrimPrefix(config.Domain, "."), ".")
	if len(labels) < 3 {
		return config.Domain
	}
	return strings.Join(labels[1:], ".")
}

func withDefaults(config MiddlewareConfig) MiddlewareConfig {
	if config.RequestIDHeader == "" {
		config.RequestIDHeader = DefaultRequestIDHeader
	}
	if config.Logger.GetSink() == nil {
		config.Logger = logr.Discard()
	}
	return config
}
