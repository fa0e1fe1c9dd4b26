package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/http/dto"
	"github.com/stakearena/fairness-engine/internal/jobs"
)

type QueueHandler struct {
	client *jobs.Client
	log    *zap.Logger
}

func NewQueueHandler(client *jobs.Client, log *zap.Logger) *QueueHandler {
	return &QueueHandler{client: client, log: log}
}

var monitoredQueues = []string{jobs.QueueSettlement, jobs.QueueProofVerify, jobs.QueueMaintenance}

// Stats reports scheduled/processing/dead counts per queue.
// GET /admin/queues  (admin)
func (h *QueueHandler) Stats(c *fiber.Ctx) error {
	out := make(map[string]any, len(monitoredQueues))
	for _, q := range monitoredQueues {
		counts, err := h.client.QueueCounts(c.Context(), q)
		if err != nil {
			return fail(c, err)
		}
		out[q] = counts
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.QueueStatsResponse{Queues: out}})
}

// DeadLetters lists exhausted jobs for inspection.
// GET /admin/queues/:queue/dead  (admin)
func (h *QueueHandler) DeadLetters(c *fiber.Ctx) error {
	queue := c.Params("queue")
	found := false
	for _, q := range monitoredQueues {
		if q == queue {
			found = true
			break
		}
	}
	if !found {
		return badRequest(c, "unknown queue")
	}

	limit := c.QueryInt("limit", 50)
	dead, err := h.client.DeadLetters(c.Context(), queue, limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dead})
}
