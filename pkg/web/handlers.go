// Package web provides HTTP handlers and REST API endpoints for deployments.
package web

import (
	"net/http"
	"net/url"
	"time"

	"github.com/dukex/keel/pkg/engine"
	"github.com/dukex/keel/pkg/module"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	deployer  *engine.Deployer
	validator *validator.Validate
}

func NewAPIHandlers(deployer *engine.Deployer, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		deployer:  deployer,
		validator: validator,
	}
}

// Routes mounts the deployment endpoints on r.
func (h *APIHandlers) Routes(r fiber.Router) {
	r.Get("/health", h.HealthCheck)

	d := r.Group("/deployments")
	d.Get("/", h.GetDeployments)
	d.Get("/:id", h.GetDeployment)
	d.Post("/:id", h.Deploy)
	d.Delete("/:id", h.ResetDeployment)
	d.Post("/:id/futures/:futureId/wipe", h.WipeFuture)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Keel API is healthy"
	httpStatus := http.StatusOK
	check := "ok"

	if err := h.deployer.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "Keel API is unhealthy"
		httpStatus = http.StatusInternalServerError
		check = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"journal": check,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetDeployments(c fiber.Ctx) error {
	ids, err := h.deployer.Deployments(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	summaries := make([]DeploymentSummary, 0, len(ids))

	for _, id := range ids {
		state, err := h.deployer.Status(c.Context(), id)
		if err != nil {
			if engine.IsNotFound(err) {
				continue
			}

			return handleEngineError(c, err)
		}

		summaries = append(summaries, NewDeploymentSummary(state))
	}

	return c.JSON(fiber.Map{
		"deployments": summaries,
		"total_count": len(summaries),
	})
}

func (h *APIHandlers) GetDeployment(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Deployment ID is required")
	}

	state, err := h.deployer.Status(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(state)
}

// Deploy runs a deployment to completion and answers with its result. Results other than
// success are still answered with 200; the result kind tells them apart.
func (h *APIHandlers) Deploy(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Deployment ID is required")
	}

	var req DeployRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	var params module.Parameters

	if len(req.Parameters) > 0 {
		parsed, err := module.ParseParameters(req.Parameters)
		if err != nil {
			return badRequest(c, err.Error())
		}

		params = parsed
	}

	mod, err := module.Parse([]byte(req.Module), params)
	if err != nil {
		return handleEngineError(c, err)
	}

	result, err := h.deployer.Deploy(c.Context(), engine.DeployRequest{
		DeploymentID: id,
		Futures:      mod.Futures,
		Dependencies: mod.Dependencies,
		Force:        req.Force,
		ForceAll:     req.ForceAll,
		Strategy:     req.Strategy,
		Approved:     req.Approved,
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) WipeFuture(c fiber.Ctx) error {
	id := c.Params("id")

	futureID, err := url.PathUnescape(c.Params("futureId"))
	if err != nil || id == "" || futureID == "" {
		return badRequest(c, "Deployment ID and future ID are required")
	}

	if err := h.deployer.Wipe(c.Context(), id, futureID); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ResetDeployment(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Deployment ID is required")
	}

	if err := h.deployer.Reset(c.Context(), id); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}
