package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/jmalmgren/scribed/internal/registry"
	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

// RecordingHandler serves recording state and the edit operations the
// pipeline must preserve across rebuilds.
type RecordingHandler struct {
	store    *store.Store
	registry *registry.Registry
}

func NewRecordingHandler(s *store.Store, reg *registry.Registry) *RecordingHandler {
	return &RecordingHandler{store: s, registry: reg}
}

func notFound(c *fiber.Ctx, what string) error {
	return c.Status(404).JSON(fiber.Map{
		"error": what + " not found",
		"code":  "ERR_NOT_FOUND",
	})
}

// Get handles GET /recordings/:id.
func (h *RecordingHandler) Get(c *fiber.Ctx) error {
	rec, err := h.store.GetRecording(c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "recording")
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error(), "code": "ERR_DB"})
	}

	segments, err := h.store.ListSegments(rec.ID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error(), "code": "ERR_DB"})
	}
	speakers, err := h.store.ListSpeakers(rec.ID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error(), "code": "ERR_DB"})
	}

	return c.JSON(fiber.Map{
		"recording": rec,
		"segments":  segments,
		"speakers":  speakers,
	})
}

// Create handles POST /recordings, used to open live recordings before
// streaming audio to them.
func (h *RecordingHandler) Create(c *fiber.Ctx) error {
	var req struct {
		Title       string `json:"title"`
		Mode        string `json:"mode"`
		MinSpeakers int    `json:"min_speakers"`
		MaxSpeakers int    `json:"max_speakers"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid request body", "code": "ERR_BAD_REQUEST"})
	}
	if req.Mode != types.ModeLive && req.Mode != types.ModeUpload {
		return c.Status(400).JSON(fiber.Map{"error": "mode must be live or upload", "code": "ERR_BAD_REQUEST"})
	}
	if req.Title == "" {
		req.Title = "untitled"
	}

	rec, err := h.store.CreateRecording(req.Title, req.Mode, req.MinSpeakers, req.MaxSpeakers)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error(), "code": "ERR_DB"})
	}
	return c.Status(201).JSON(rec)
}

// Delete handles DELETE /recordings/:id.
func (h *RecordingHandler) Delete(c *fiber.Ctx) error {
	rec, err := h.store.GetRecording(c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "recording")
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error(), "code": "ERR_DB"})
	}
	if types.InProgress(rec.Status) {
		return c.Status(409).JSON(fiber.Map{
			"error": "recording is being processed",
			"code":  "ERR_IN_PROGRESS",
		})
	}
	if err := h.store.DeleteRecording(rec.ID); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error(), "code": "ERR_DB"})
	}
	log.Printf("Recording %s deleted", rec.ID)
	return c.SendStatus(204)
}

// EditSegment handles PUT /segments/:id, storing a user text correction.
func (h *RecordingHandler) EditSegment(c *fiber.Ctx) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.BodyParser(&req); err != nil || req.Text == "" {
		return c.Status(400).JSON(fiber.Map{"error": "text is required", "code": "ERR_BAD_REQUEST"})
	}
	err := h.store.EditSegmentText(c.Params("id"), req.Text)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "segment")
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error(), "code": "ERR_DB"})
	}
	return c.SendStatus(204)
}

// RenameSpeaker handles PUT /speakers/:id.
func (h *RecordingHandler) RenameSpeaker(c *fiber.Ctx) error {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid request body", "code": "ERR_BAD_REQUEST"})
	}
	if err := h.registry.Rename(c.Params("id"), req.DisplayName, types.IdentifiedManual, 1); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound(c, "speaker")
		}
		return c.Status(400).JSON(fiber.Map{"error": err.Error(), "code": "ERR_BAD_REQUEST"})
	}
	return c.SendStatus(204)
}

// MergeSpeakers handles POST /speakers/:id/merge, folding the named
// speaker into the target.
func (h *RecordingHandler) MergeSpeakers(c *fiber.Ctx) error {
	var req struct {
		TargetID string `json:"target_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.TargetID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "target_id is required", "code": "ERR_BAD_REQUEST"})
	}
	moved, err := h.registry.Merge(c.Params("id"), req.TargetID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "speaker")
	}
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error(), "code": "ERR_BAD_REQUEST"})
	}
	return c.JSON(fiber.Map{"segments_moved": moved})
}
