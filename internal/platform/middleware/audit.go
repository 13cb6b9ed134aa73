package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/auth"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

// Audit outcomes recorded for API requests.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// Audit returns Echo middleware that emits one phi.access audit intent per
// request under /api/v1/: who, which patient, which action, and the outcome.
// Delivery is best-effort; a failing sink never fails the request.
func Audit(sink hipaa.AuditSink, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditablePath(req.URL.Path) {
				return next(c)
			}

			err := next(c)
			status := responseStatus(c, err)

			intent := hipaa.AuditIntent{
				Action:      hipaa.AuditActionAccess,
				PatientID:   extractPatientID(c),
				Description: fmt.Sprintf("%s %s %s", httpMethodToAction(req.Method), req.Method, routeOf(c)),
				Outcome:     outcomeOf(status),
				Timestamp:   time.Now().UTC(),
			}
			if actor := auth.ActorFromContext(req.Context()); actor != nil {
				intent.ActorID = actor.ID
				intent.ActorRole = actor.Role
			}
			if rid, ok := c.Get("request_id").(string); ok {
				intent.Description += " request_id=" + rid
			}

			hipaa.Emit(req.Context(), sink, logger, intent)
			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

// responseStatus returns the status that will be sent, including errors not
// yet rendered by echo's error handler.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func outcomeOf(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return OutcomeDenied
	case status >= http.StatusBadRequest:
		return OutcomeError
	default:
		return OutcomeSuccess
	}
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

func routeOf(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return c.Request().URL.Path
}

// extractPatientID returns the :patient_id route parameter, falling back to
// parsing /api/v1/patients/<uuid> from the raw path.
func extractPatientID(c echo.Context) string {
	if id := c.Param("patient_id"); id != "" {
		return id
	}

	path := c.Request().URL.Path
	if strings.HasPrefix(path, "/api/v1/patients/") {
		segments := strings.Split(strings.TrimPrefix(path, "/api/v1/patients/"), "/")
		if len(segments) > 0 {
			if _, err := uuid.Parse(segments[0]); err == nil {
				return segments[0]
			}
		}
	}
	return ""
}
