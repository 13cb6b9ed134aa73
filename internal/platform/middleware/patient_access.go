package middleware

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/auth"
)

// AccessChecker decides whether an actor may act on a patient's record.
type AccessChecker interface {
	CanRead(ctx context.Context, actor *auth.Actor, patientID string) bool
	CanWrite(ctx context.Context, actor *auth.Actor, patientID string) bool
	CanDelete(ctx context.Context, actor *auth.Actor, patientID string) bool
}

// Access levels derived from the HTTP method.
const (
	AccessRead   = "read"
	AccessWrite  = "write"
	AccessDelete = "delete"
)

// PatientAccess guards routes carrying a :patient_id parameter. GET and HEAD
// need read access, DELETE needs delete access and every other method needs
// write access. A missing patient and a forbidden patient produce the same
// 403 so the response never reveals whether the record exists.
func PatientAccess(checker AccessChecker, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			actor := auth.ActorFromContext(ctx)
			if actor == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}

			patientID := c.Param("patient_id")
			if patientID == "" {
				return next(c)
			}

			level := accessLevel(c.Request().Method)
			var allowed bool
			switch level {
			case AccessRead:
				allowed = checker.CanRead(ctx, actor, patientID)
			case AccessDelete:
				allowed = checker.CanDelete(ctx, actor, patientID)
			default:
				allowed = checker.CanWrite(ctx, actor, patientID)
			}

			if !allowed {
				logger.Warn().
					Str("actor_id", actor.ID).
					Str("actor_role", actor.Role).
					Str("patient_id", patientID).
					Str("access", level).
					Msg("patient access denied")
				return echo.NewHTTPError(http.StatusForbidden, "access denied")
			}
			return next(c)
		}
	}
}

func accessLevel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return AccessRead
	case http.MethodDelete:
		return AccessDelete
	default:
		return AccessWrite
	}
}
