package handler

import (
	"errors"
	"net/http"
	"strconv"

	"cafeiq/internal/apierror"
	"cafeiq/internal/dto"
	"cafeiq/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// bindAndValidate binds JSON body and runs go-playground/validator tags.
// Returns false and writes the error response if validation fails;
// the caller should return immediately without writing another response.
func bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, apierror.New("invalid JSON: "+err.Error()))
		return false
	}
	if err := dto.Validate(req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, apierror.NewValidation(dto.FieldErrors(err)))
		return false
	}
	return true
}

// paramUUID parses a path parameter, writing a 400 when it is not a UUID.
func paramUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.New("invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}

// queryUUID parses an optional query parameter.
func queryUUID(c *gin.Context, name string) (*uuid.UUID, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.New("invalid "+name))
		return nil, false
	}
	return &id, true
}

func queryInt(c *gin.Context, name string, def int) int {
	if v, err := strconv.Atoi(c.Query(name)); err == nil {
		return v
	}
	return def
}

// writeServiceError maps inventory errors onto HTTP statuses. Internal
// details are logged, never returned.
func writeServiceError(c *gin.Context, err error) {
	var ise *service.InsufficientStockError
	var tde *service.TransientDatabaseError
	switch {
	case errors.As(err, &ise):
		c.JSON(http.StatusConflict, apierror.WithCode("insufficient_stock", ise.Error()))
	case errors.Is(err, service.ErrOrderAlreadyDeducted):
		c.JSON(http.StatusConflict, apierror.WithCode("already_deducted", "order already deducted"))
	case errors.Is(err, service.ErrNothingToRestore):
		c.JSON(http.StatusConflict, apierror.WithCode("nothing_to_restore", "nothing to restore for this order"))
	case errors.Is(err, service.ErrInvalidOrder):
		c.JSON(http.StatusUnprocessableEntity, apierror.WithCode("invalid_order", err.Error()))
	case errors.As(err, &tde):
		log.Error().Err(err).Str("request_id", c.GetString("request_id")).Msg("handler: transient failure")
		c.JSON(http.StatusServiceUnavailable, apierror.WithCode("temporarily_unavailable", "inventory temporarily unavailable, retry later"))
	default:
		_ = c.Error(err)
	}
}
