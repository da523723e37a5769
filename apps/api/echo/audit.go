package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/kibali/core/audit"
	"github.com/trezcool/kibali/core/pass"
	"github.com/trezcool/kibali/core/user"
)

type auditApi struct {
	svc     *audit.Service
	passSvc *pass.Service
	usrSvc  *user.Service
}

func registerAuditAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc *audit.Service,
	passSvc *pass.Service,
	usrSvc *user.Service,
) {
	api := auditApi{
		svc:     svc,
		passSvc: passSvc,
		usrSvc:  usrSvc,
	}
	g.GET("/audit", api.query, jwt, staffMiddleware())
}

// query returns the audit trail. Admins see everything; department staff
// only see events of their own department's passes.
func (api *auditApi) query(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	filter := new(audit.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []audit.Event{})
	}

	if !ctxUsr.IsAdmin() {
		passes, err := api.passSvc.Filter(ctx.Request().Context(), pass.QueryFilter{Department: ctxUsr.Department}, nil)
		if err != nil {
			return errors.Wrap(err, "resolving department passes")
		}
		ids := make([]string, 0, len(passes))
		for _, p := range passes {
			ids = append(ids, p.ID)
		}
		if filter.PassID != "" {
			// requested pass must be in scope
			var inScope bool
			for _, id := range ids {
				if id == filter.PassID {
					inScope = true
					break
				}
			}
			if !inScope {
				return ctx.JSON(http.StatusOK, []audit.Event{})
			}
		} else {
			filter.PassIDs = ids
		}
	}

	events, err := api.svc.Filter(ctx.Request().Context(), *filter)
	if err != nil {
		return errors.Wrap(err, "querying audit events")
	}
	if events == nil {
		events = []audit.Event{}
	}
	return ctx.JSON(http.StatusOK, events)
}
