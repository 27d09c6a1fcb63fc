package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/jmalmgren/scribed/internal/queue"
	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

// JobHandler exposes the enqueue-and-track surface for background jobs.
type JobHandler struct {
	store      *store.Store
	workerPool *queue.WorkerPool
}

func NewJobHandler(s *store.Store, wp *queue.WorkerPool) *JobHandler {
	return &JobHandler{store: s, workerPool: wp}
}

var enqueueableKinds = map[string]bool{
	types.KindFullPipeline:    true,
	types.KindRefine:          true,
	types.KindRediarize:       true,
	types.KindReidentify:      true,
	types.KindExtractInsights: true,
}

// Enqueue handles POST /recordings/:id/jobs.
func (h *JobHandler) Enqueue(c *fiber.Ctx) error {
	var req struct {
		Kind string `json:"kind"`
	}
	if err := c.BodyParser(&req); err != nil || !enqueueableKinds[req.Kind] {
		return c.Status(400).JSON(fiber.Map{
			"error": "kind must be one of full-pipeline, refine, rediarize, reidentify, extract-insights",
			"code":  "ERR_BAD_REQUEST",
		})
	}

	rec, err := h.store.GetRecording(c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "recording")
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error(), "code": "ERR_DB"})
	}
	if types.InProgress(rec.Status) {
		return c.Status(409).JSON(fiber.Map{
			"error": "recording is already being processed",
			"code":  "ERR_ALREADY_RUNNING",
		})
	}

	job, err := h.workerPool.Enqueue(rec.ID, req.Kind)
	if err != nil {
		return c.Status(503).JSON(fiber.Map{"error": err.Error(), "code": "ERR_QUEUE_FULL"})
	}
	return c.Status(202).JSON(job)
}

// Get handles GET /jobs/:id.
func (h *JobHandler) Get(c *fiber.Ctx) error {
	job, err := h.store.GetJob(c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "job")
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error(), "code": "ERR_DB"})
	}
	return c.JSON(job)
}

// List handles GET /recordings/:id/jobs.
func (h *JobHandler) List(c *fiber.Ctx) error {
	jobs, err := h.store.ListJobs(c.Params("id"))
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error(), "code": "ERR_DB"})
	}
	return c.JSON(fiber.Map{"jobs": jobs})
}

// Cancel handles POST /jobs/:id/cancel. Only pending and running jobs
// can be cancelled; a running job also has its context cancelled.
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	err := h.workerPool.Cancel(c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "job")
	}
	if err != nil {
		return c.Status(409).JSON(fiber.Map{"error": err.Error(), "code": "ERR_BAD_STATE"})
	}
	return c.SendStatus(204)
}
