package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ProblemDetails is an RFC 7807 problem response.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

const (
	ErrorTypeValidation = "https://mlca-reconciler/errors/validation"
	ErrorTypeNotFound   = "https://mlca-reconciler/errors/not-found"
	ErrorTypeConflict   = "https://mlca-reconciler/errors/conflict"
	ErrorTypeInternal   = "https://mlca-reconciler/errors/internal"
)

func NewValidationError(c echo.Context, detail string) error {
	return c.JSON(http.StatusBadRequest, ProblemDetails{
		Type: ErrorTypeValidation, Title: "Validation Error", Status: http.StatusBadRequest,
		Detail: detail, Instance: c.Request().URL.Path,
	})
}

func NewNotFoundError(c echo.Context, detail string) error {
	return c.JSON(http.StatusNotFound, ProblemDetails{
		Type: ErrorTypeNotFound, Title: "Not Found", Status: http.StatusNotFound,
		Detail: detail, Instance: c.Request().URL.Path,
	})
}

func NewConflictError(c echo.Context, detail string) error {
	return c.JSON(http.StatusConflict, ProblemDetails{
		Type: ErrorTypeConflict, Title: "Conflict", Status: http.StatusConflict,
		Detail: detail, Instance: c.Request().URL.Path,
	})
}

func NewInternalError(c echo.Context, detail string) error {
	return c.JSON(http.StatusInternalServerError, ProblemDetails{
		Type: ErrorTypeInternal, Title: "Internal Server Error", Status: http.StatusInternalServerError,
		Detail: detail, Instance: c.Request().URL.Path,
	})
}
