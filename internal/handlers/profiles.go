package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/jmalmgren/scribed/internal/store"
)

// ProfileHandler manages the persistent voice-profile store used for
// cross-recording speaker identification.
type ProfileHandler struct {
	store *store.Store
}

func NewProfileHandler(s *store.Store) *ProfileHandler {
	return &ProfileHandler{store: s}
}

// List handles GET /profiles.
func (h *ProfileHandler) List(c *fiber.Ctx) error {
	profiles, err := h.store.ListVoiceProfiles()
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error(), "code": "ERR_DB"})
	}
	return c.JSON(fiber.Map{"profiles": profiles})
}

// Create handles POST /profiles, enrolling a named voice embedding.
func (h *ProfileHandler) Create(c *fiber.Ctx) error {
	var req struct {
		Name      string    `json:"name"`
		Embedding []float32 `json:"embedding"`
		Notes     string    `json:"notes"`
	}
	if err := c.BodyParser(&req); err != nil || req.Name == "" || len(req.Embedding) == 0 {
		return c.Status(400).JSON(fiber.Map{
			"error": "name and embedding are required",
			"code":  "ERR_BAD_REQUEST",
		})
	}
	p, err := h.store.SaveVoiceProfile(req.Name, req.Embedding, req.Notes)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error(), "code": "ERR_DB"})
	}
	return c.Status(201).JSON(p)
}

// Delete handles DELETE /profiles/:id.
func (h *ProfileHandler) Delete(c *fiber.Ctx) error {
	err := h.store.DeleteVoiceProfile(c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "profile")
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error(), "code": "ERR_DB"})
	}
	return c.SendStatus(204)
}
