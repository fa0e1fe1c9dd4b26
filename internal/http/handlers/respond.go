package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stakearena/fairness-engine/internal/apperr"
	"github.com/stakearena/fairness-engine/internal/http/dto"
	"github.com/stakearena/fairness-engine/internal/middleware"
)

func statusForError(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return fiber.StatusBadRequest
	case apperr.KindUnauthorized:
		return fiber.StatusUnauthorized
	case apperr.KindNotFound:
		return fiber.StatusNotFound
	case apperr.KindConflict:
		return fiber.StatusConflict
	case apperr.KindState:
		return fiber.StatusUnprocessableEntity
	case apperr.KindTransient, apperr.KindTimeout:
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// fail maps a service error to an HTTP response. Unknown kinds hide the
// message; everything else is safe to echo back.
func fail(c *fiber.Ctx, err error) error {
	status := statusForError(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		msg = "internal server error"
	}
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)
	return c.Status(status).JSON(dto.ErrorResponse{Error: msg, RequestID: reqID})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg})
}
