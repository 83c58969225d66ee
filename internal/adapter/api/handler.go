package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"finops-core/internal/domain/entity"
	"finops-core/internal/usecase"
)

// Service is the gateway surface the HTTP layer drives.
type Service interface {
	Analyze(ctx context.Context, in entity.Intake) (*usecase.Analysis, error)
	Submit(ctx context.Context, in entity.Intake) (*usecase.Submission, error)
	Status(ctx context.Context, id string) (entity.WorkflowResult, error)
	Events(ctx context.Context, id string) (<-chan entity.Event, func(), error)
	Insights() entity.Insights
	RecordFeedback(ctx context.Context, fb usecase.Feedback) error
	Correct(ctx context.Context, query, answer string) (bool, error)
}

type AnalysisHandler struct {
	gateway Service
	logger  *zap.Logger
}

func NewAnalysisHandler(gw Service, logger *zap.Logger) *AnalysisHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisHandler{gateway: gw, logger: logger}
}

func (h *AnalysisHandler) HandleAnalyze(c *fiber.Ctx) error {
	var in entity.Intake
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	resp, err := h.gateway.Analyze(c.Context(), in)
	if err != nil {
		return h.fail(c, err)
	}

	c.Set("X-FinOps-Cache-Hit", "false")
	if resp.Cached {
		c.Set("X-FinOps-Cache-Hit", "true")
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *AnalysisHandler) HandleSubmit(c *fiber.Ctx) error {
	var in entity.Intake
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	sub, err := h.gateway.Submit(c.Context(), in)
	if err != nil {
		return h.fail(c, err)
	}
	if sub.Cached {
		return c.Status(fiber.StatusOK).JSON(sub)
	}
	c.Location("/v1/analysis/" + sub.JobID)
	return c.Status(fiber.StatusAccepted).JSON(sub)
}

func (h *AnalysisHandler) HandleStatus(c *fiber.Ctx) error {
	res, err := h.gateway.Status(c.Context(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

// HandleEvents streams workflow events as server-sent events until the
// completion event or a client disconnect.
func (h *AnalysisHandler) HandleEvents(c *fiber.Ctx) error {
	id := c.Params("id")
	events, cancel, err := h.gateway.Events(context.Background(), id)
	if err != nil {
		return h.fail(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	logger := h.logger
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for ev := range events {
			raw, err := json.Marshal(ev)
			if err != nil {
				logger.Error("event not encodable", zap.String("workflow_id", id), zap.Error(err))
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, raw)
			// Flush fails once the client is gone
			if err := w.Flush(); err != nil {
				logger.Debug("event stream closed by client", zap.String("workflow_id", id))
				return
			}
		}
	}))
	return nil
}

func (h *AnalysisHandler) HandleInsights(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(h.gateway.Insights())
}

func (h *AnalysisHandler) HandleFeedback(c *fiber.Ctx) error {
	var fb usecase.Feedback
	if err := c.BodyParser(&fb); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := h.gateway.RecordFeedback(c.Context(), fb); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type correction struct {
	Query  string `json:"query"`
	Answer string `json:"answer"`
}

func (h *AnalysisHandler) HandleCorrection(c *fiber.Ctx) error {
	var body correction
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	accepted, err := h.gateway.Correct(c.Context(), body.Query, body.Answer)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"accepted": accepted})
}

// fail maps business errors to HTTP status codes.
func (h *AnalysisHandler) fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, entity.ErrInvalidRequest):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, entity.ErrRateLimitExceeded):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, entity.ErrWorkflowNotFound), errors.Is(err, entity.ErrResourceNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, entity.ErrQueueClosed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "gateway is shutting down"})
	}
	h.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal gateway error"})
}
