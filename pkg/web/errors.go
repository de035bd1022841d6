package web

import (
	"errors"

	"github.com/dukex/keel/pkg/engine"
	"github.com/dukex/keel/pkg/module"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps engine and module errors to problem responses.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case engine.IsInvalidRequest(err),
		errors.Is(err, module.ErrInvalidModule),
		errors.Is(err, module.ErrMissingParam),
		errors.Is(err, module.ErrInvalidArgument):
		return badRequest(c, err.Error())
	case errors.Is(err, engine.ErrUnknownFuture):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("future_not_found").
			WithDetail(err.Error())

		return c.Status(fiber.StatusNotFound).JSON(problem)
	case engine.IsNotFound(err):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("deployment_not_found").
			WithDetail("deployment not found")

		return c.Status(fiber.StatusNotFound).JSON(problem)
	case engine.IsConflict(err):
		return conflict(c, err.Error())
	default:
		return internalError(c, err)
	}
}
