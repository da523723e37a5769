package echoapi

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/kibali/core"
	"github.com/trezcool/kibali/core/user"
	"github.com/trezcool/kibali/core/verify"
)

type verifyApi struct {
	svc      *verify.Service
	usrSvc   *user.Service
	validate *validator.Validate
}

func registerVerifyAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc *verify.Service,
	usrSvc *user.Service,
	validate *validator.Validate,
) {
	api := verifyApi{
		svc:      svc,
		usrSvc:   usrSvc,
		validate: validate,
	}
	g.POST("/verify", api.verify, jwt, securityMiddleware())
}

// verify answers a checkpoint scan. A denied pass is still a 200: the
// checkpoint reads the outcome from the body, not the status code.
func (api *verifyApi) verify(ctx echo.Context) error {
	var data verify.Input
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Input")
	}
	data.QRToken = core.CleanString(data.QRToken)
	data.Student = strings.ToLower(core.CleanString(data.Student))
	data.OTP = core.CleanString(data.OTP)

	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	res, err := api.svc.Verify(ctx.Request().Context(), ctxUsr, data)
	if err != nil {
		return errors.Wrap(err, "verifying pass")
	}
	return ctx.JSON(http.StatusOK, res)
}
