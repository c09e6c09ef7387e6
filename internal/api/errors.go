package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/workcell/pkg/schema"
)

const errCodeInternal = "INTERNAL_ERROR"

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error *schema.WorkcellError `json:"error"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, wErr := toResponse(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorBody{Error: wErr})
	}
	if err != nil {
		s.logger.Warn("write error response", "error", err)
	}
}

func toResponse(err error) (int, *schema.WorkcellError) {
	var wErr *schema.WorkcellError
	if errors.As(err, &wErr) {
		return statusFor(wErr.Code), wErr
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := errCodeInternal
		switch {
		case he.Code == http.StatusNotFound:
			code = schema.ErrCodeNotFound
		case he.Code < http.StatusInternalServerError:
			code = schema.ErrCodeValidation
		}
		return he.Code, schema.NewError(code, fmt.Sprint(he.Message))
	}
	return http.StatusInternalServerError, schema.NewError(errCodeInternal, err.Error())
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeValidation, schema.ErrCodeUnknownParameter, schema.ErrCodeParameterSyntax,
		schema.ErrCodeNodeNotInWorkcell, schema.ErrCodeActionNotFound, schema.ErrCodeMissingArgument,
		schema.ErrCodeMissingFile, schema.ErrCodeDuplicateDataLabel, schema.ErrCodeExpression,
		schema.ErrCodeNoClient:
		return http.StatusBadRequest
	case schema.ErrCodeLockTimeout, schema.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	case schema.ErrCodeTransport, schema.ErrCodeTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
