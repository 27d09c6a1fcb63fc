package handlers

import (
	"fmt"
	"log"
	"path/filepath"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/jmalmgren/scribed/internal/queue"
	"github.com/jmalmgren/scribed/internal/services"
	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

// UploadHandler accepts audio/video uploads and schedules the full
// processing pipeline for them.
type UploadHandler struct {
	store      *store.Store
	workerPool *queue.WorkerPool
	uploadDir  string
	maxSizeMB  int
}

func NewUploadHandler(s *store.Store, wp *queue.WorkerPool, uploadDir string, maxSizeMB int) *UploadHandler {
	return &UploadHandler{store: s, workerPool: wp, uploadDir: uploadDir, maxSizeMB: maxSizeMB}
}

// Handle processes POST /upload.
func (h *UploadHandler) Handle(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "No file uploaded",
			"code":  "ERR_NO_FILE",
		})
	}

	title := c.FormValue("title")
	if title == "" {
		title = file.Filename
	}

	maxSize := int64(h.maxSizeMB) * 1024 * 1024
	if file.Size > maxSize {
		return c.Status(400).JSON(fiber.Map{
			"error": fmt.Sprintf("File too large (max %dMB)", h.maxSizeMB),
			"code":  "ERR_FILE_TOO_LARGE",
		})
	}
	if !services.ValidFormat(file.Filename) {
		return c.Status(400).JSON(fiber.Map{
			"error": "Unsupported audio format",
			"code":  "ERR_INVALID_FORMAT",
		})
	}

	minSpeakers, _ := strconv.Atoi(c.FormValue("min_speakers"))
	maxSpeakers, _ := strconv.Atoi(c.FormValue("max_speakers"))

	savePath := filepath.Join(h.uploadDir,
		fmt.Sprintf("%s%s", uuid.New().String(), filepath.Ext(file.Filename)))
	if err := c.SaveFile(file, savePath); err != nil {
		log.Printf("Failed to save upload %s: %v", file.Filename, err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to save file",
			"code":  "ERR_SAVE_FAILED",
		})
	}

	rec, err := h.store.CreateRecording(title, types.ModeUpload, minSpeakers, maxSpeakers)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to create recording",
			"code":  "ERR_DB",
		})
	}
	if err := h.store.SetRecordingAudioPath(rec.ID, savePath); err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to store audio path",
			"code":  "ERR_DB",
		})
	}

	job, err := h.workerPool.Enqueue(rec.ID, types.KindFullPipeline)
	if err != nil {
		return c.Status(503).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_QUEUE_FULL",
		})
	}

	log.Printf("Upload accepted: recording %s (%s), job %s", rec.ID, title, job.ID)
	return c.Status(202).JSON(fiber.Map{
		"recording_id": rec.ID,
		"job_id":       job.ID,
		"status":       rec.Status,
	})
}
