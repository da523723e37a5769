package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/kibali/core/pass"
	"github.com/trezcool/kibali/core/user"
)

type passApi struct {
	svc      *pass.Service
	usrSvc   *user.Service
	validate *validator.Validate
}

func registerPassAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc *pass.Service,
	usrSvc *user.Service,
	validate *validator.Validate,
) {
	api := passApi{
		svc:      svc,
		usrSvc:   usrSvc,
		validate: validate,
	}

	pg := g.Group("/passes", jwt)
	pg.POST("", api.create)
	pg.GET("", api.query)
	pg.GET("/:id", api.retrieve)
	pg.PUT("/:id/decision", api.decide, staffMiddleware())
	pg.PUT("/:id/document", api.setDocument, staffMiddleware())
}

// Handlers

func (api *passApi) create(ctx echo.Context) error {
	var data pass.NewPassRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewPassRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	p, err := api.svc.CreateRequest(ctx.Request().Context(), ctxUsr, data)
	if err != nil {
		return trapPassErr(err, "creating pass request")
	}
	return ctx.JSON(http.StatusCreated, p)
}

// query returns passes scoped by capability: students see their own,
// department staff see their department's, admins see everything.
func (api *passApi) query(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	filter := new(pass.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []pass.Pass{})
	}
	filter.Clean()
	ordering := new(Ordering)
	ordering.Bind(ctx)

	switch {
	case ctxUsr.IsAdmin():
		// unrestricted
	case ctxUsr.IsStaff():
		filter.Department = ctxUsr.Department
	case ctxUsr.IsStudent():
		filter.StudentID = ctxUsr.ID
	default:
		return errHttpForbidden
	}

	passes, err := api.svc.Filter(ctx.Request().Context(), *filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying passes")
	}
	if passes == nil {
		passes = []pass.Pass{}
	}
	return ctx.JSON(http.StatusOK, passes)
}

func (api *passApi) retrieve(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	p, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return trapPassErr(err, "getting pass")
	}
	if !canSeePass(ctxUsr, p) {
		return errHttpNotFound
	}
	return ctx.JSON(http.StatusOK, p)
}

func canSeePass(usr user.User, p pass.Pass) bool {
	switch {
	case usr.IsAdmin(), usr.IsSecurity():
		return true
	case usr.IsStaff():
		return usr.Department == p.Department
	default:
		return usr.ID == p.StudentID
	}
}

func (api *passApi) decide(ctx echo.Context) error {
	var data pass.Decision
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Decision")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	p, err := api.svc.ActOnTier(ctx.Request().Context(), ctxUsr, ctx.Param("id"), data)
	if err != nil {
		return trapPassErr(err, "deciding pass tier")
	}
	return ctx.JSON(http.StatusOK, p)
}

func (api *passApi) setDocument(ctx echo.Context) error {
	var data DocumentRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to DocumentRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	p, err := api.svc.SetDocumentPath(ctx.Request().Context(), ctx.Param("id"), data.Path)
	if err != nil {
		return trapPassErr(err, "setting pass document")
	}
	return ctx.JSON(http.StatusOK, p)
}

// trapPassErr maps pass business errors to HTTP errors.
func trapPassErr(err error, msg string) error {
	switch errors.Cause(err) {
	case pass.ErrNotFound:
		return errHttpNotFound
	case pass.ErrNotAuthorized:
		return errHttpForbidden
	case pass.ErrAlreadyDecided, pass.ErrTierNotActionable:
		return echo.NewHTTPError(http.StatusConflict, errors.Cause(err).Error())
	}
	return errors.Wrap(err, msg)
}

type DocumentRequest struct {
	Path string `json:"path" validate:"required"`
}
