package consent

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/phicore/internal/platform/auth"
	"github.com/ehr/phicore/pkg/pagination"
)

type Handler struct {
	svc *Service
	btg *BreakGlass
}

func NewHandler(svc *Service, btg *BreakGlass) *Handler {
	return &Handler{svc: svc, btg: btg}
}

// RegisterRoutes mounts the break-glass and consent endpoints. They must not
// sit behind the patient access guard: break-glass exists for exactly the
// callers that guard refuses.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	btg := api.Group("/patients/:patient_id/break-glass", auth.RequireClinical())
	btg.POST("", h.GrantBreakGlass)
	btg.GET("", h.BreakGlassStatus)
	btg.DELETE("", h.RevokeBreakGlass)

	admin := api.Group("/patients/:patient_id/consents", auth.RequireRole(auth.RoleAdmin))
	admin.GET("", h.ListConsents)
	admin.POST("", h.CreateConsent)
	admin.DELETE("/:grant_id", h.RevokeConsent)
}

type grantBreakGlassRequest struct {
	Minutes int    `json:"minutes"`
	Reason  string `json:"reason"`
}

func (h *Handler) GrantBreakGlass(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	var req grantBreakGlassRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	g, err := h.btg.Grant(ctx, auth.ActorFromContext(ctx), patientID, req.Minutes, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) BreakGlassStatus(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	st, err := h.btg.Status(ctx, auth.ActorFromContext(ctx), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) RevokeBreakGlass(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	revoked, err := h.btg.Revoke(ctx, auth.ActorFromContext(ctx), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"revoked": revoked})
}

func (h *Handler) ListConsents(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	grants, total, err := h.svc.ListConsents(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	resp := pagination.NewResponse(grants, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

type createConsentRequest struct {
	GranteeID string     `json:"grantee_id"`
	Scope     Scope      `json:"scope"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) CreateConsent(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	var req createConsentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	g := &Grant{
		PatientID: patientID,
		GranteeID: req.GranteeID,
		Scope:     req.Scope,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	}
	ctx := c.Request().Context()
	if err := h.svc.GrantConsent(ctx, auth.ActorFromContext(ctx), g); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) RevokeConsent(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	grantID, err := uuid.Parse(c.Param("grant_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid grant_id")
	}
	ctx := c.Request().Context()
	if err := h.svc.RevokeConsent(ctx, auth.ActorFromContext(ctx), patientID, grantID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func patientParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	return id, nil
}

// httpError maps package errors to responses that carry only a
// classification.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrAccessDenied):
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, "break-glass rate limit exceeded")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "grant not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
