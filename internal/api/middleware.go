package api

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"inventory-ledger/internal/models"
)

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// ErrorHandlerMiddleware renders errors attached with c.Error when the handler wrote nothing
func ErrorHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last()
		if err.Type == gin.ErrorTypeBind {
			Response.BindError(c, err.Err)
			return
		}
		Response.Error(c, err.Err)
	}
}

// CORSMiddleware handles CORS headers
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, PATCH, DELETE")
		c.Header("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-Request-ID, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

var registerTagNames sync.Once

// useJSONFieldNames makes validator report json names instead of Go field names
func useJSONFieldNames() {
	registerTagNames.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
}

// ResponseHelpers provides methods for REST-native responses
type ResponseHelpers struct{}

// Success sends the resource directly (no wrapper)
func (h *ResponseHelpers) Success(c *gin.Context, resource interface{}) {
	c.JSON(http.StatusOK, resource)
}

// Created sends a 201 created response with the created resource
func (h *ResponseHelpers) Created(c *gin.Context, resource interface{}) {
	c.JSON(http.StatusCreated, resource)
}

// NoContent sends a 204 no content response
func (h *ResponseHelpers) NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func (h *ResponseHelpers) ValidationError(c *gin.Context, field, message string) {
	h.problem(c, models.NewValidationProblem(field, message, models.ErrorCodeInvalidField))
}

// BindError renders a request binding failure as a validation problem
func (h *ResponseHelpers) BindError(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		violations := make([]models.ValidationError, 0, len(validationErrors))
		for _, fe := range validationErrors {
			violations = append(violations, models.ValidationError{
				Field:   fe.Field(),
				Message: getValidationMessage(fe),
				Code:    fe.Tag(),
			})
		}
		if len(violations) == 1 {
			problem := models.NewValidationProblem(violations[0].Field, violations[0].Message, models.ErrorCodeValidationError)
			problem.Errors = violations
			h.problem(c, problem)
			return
		}
		h.problem(c, models.NewMultiValidationProblem(violations))
		return
	}

	h.problem(c, models.NewProblemDetails(http.StatusBadRequest, "Bad Request", "Invalid request format"))
}

// Error maps a service error onto a problem response
func (h *ResponseHelpers) Error(c *gin.Context, err error) {
	var (
		ve *models.ValidationError
		be *models.BusinessError
		se *models.SystemError
	)

	switch {
	case errors.As(err, &ve):
		h.problem(c, models.NewValidationProblem(ve.Field, ve.Message, models.ErrorCodeValidationError))

	case errors.As(err, &be):
		switch be.Code {
		case models.ErrorCodeInsufficientOnHand, models.ErrorCodeInsufficientAvailable, models.ErrorCodeNoStockAvailable:
			h.problem(c, models.NewBusinessLogicProblem(http.StatusConflict, "Insufficient Stock", be.Message, be.Code, be.Details))
		case models.ErrorCodeNotFound:
			h.problem(c, models.NewNotFoundProblem(be.Message))
		case models.ErrorCodeInvalidReservationState:
			log.Error().Err(err).Str("request_id", getRequestID(c)).Msg("Reservation state out of step with ledger")
			problem := models.NewProblemDetails(http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred")
			problem.Code = string(be.Code)
			h.problem(c, problem)
		default:
			h.problem(c, models.NewBusinessLogicProblem(http.StatusUnprocessableEntity, "Request Rejected", be.Message, be.Code, be.Details))
		}

	case errors.As(err, &se):
		log.Error().Err(err).Str("request_id", getRequestID(c)).Str("component", se.Component).Msg("Transient failure")
		problem := models.NewProblemDetails(http.StatusServiceUnavailable, "Service Unavailable", "Temporary failure, please try again")
		problem.Code = string(se.Code)
		h.problem(c, problem)

	default:
		h.InternalError(c, err.Error())
	}
}

// InternalError sends a 500 internal server error response
func (h *ResponseHelpers) InternalError(c *gin.Context, detail string) {
	log.Error().
		Str("request_id", getRequestID(c)).
		Str("detail", detail).
		Msg("Internal server error")

	h.problem(c, models.NewProblemDetails(http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred"))
}

func (h *ResponseHelpers) problem(c *gin.Context, problem *models.ProblemDetails) {
	if requestID := getRequestID(c); requestID != "" {
		c.Header("X-Request-ID", requestID)
	}
	problem.Instance = c.Request.URL.Path
	c.JSON(problem.Status, problem)
}

func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		if s, ok := requestID.(string); ok {
			return s
		}
	}
	return ""
}

func getValidationMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Value must be at least " + err.Param()
	case "max":
		return "Value must be at most " + err.Param()
	case "oneof":
		return "Value must be one of: " + err.Param()
	case "nefield":
		return "Value must differ from " + err.Param()
	default:
		return "Invalid value"
	}
}

// Response is the shared response helper
var Response = &ResponseHelpers{}
