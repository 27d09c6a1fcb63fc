package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/jmalmgren/scribed/internal/archive"
	"github.com/jmalmgren/scribed/internal/cleanup"
	"github.com/jmalmgren/scribed/internal/events"
	"github.com/jmalmgren/scribed/internal/handlers"
	"github.com/jmalmgren/scribed/internal/live"
	"github.com/jmalmgren/scribed/internal/pipeline"
	"github.com/jmalmgren/scribed/internal/queue"
	"github.com/jmalmgren/scribed/internal/refine"
	"github.com/jmalmgren/scribed/internal/registry"
	"github.com/jmalmgren/scribed/internal/services"
	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Whisper struct {
		FastModel    string `yaml:"fast_model"`
		QualityModel string `yaml:"quality_model"`
	} `yaml:"whisper"`

	Diarization struct {
		Script string `yaml:"script"`
	} `yaml:"diarization"`

	Embedding struct {
		Script string `yaml:"script"`
	} `yaml:"embedding"`

	TextGen struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
	} `yaml:"textgen"`

	Workers struct {
		Count int `yaml:"count"`
	} `yaml:"workers"`

	Storage struct {
		TempDir   string `yaml:"temp_dir"`
		UploadDir string `yaml:"upload_dir"`
		AudioDir  string `yaml:"audio_dir"`
		Database  string `yaml:"database"`
		LogFile   string `yaml:"log_file"`
	} `yaml:"storage"`

	Cleanup struct {
		IntervalMinutes int `yaml:"interval_minutes"`
		MaxAgeHours     int `yaml:"max_age_hours"`
	} `yaml:"cleanup"`

	GoogleDrive struct {
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		FolderName      string `yaml:"folder_name"`
	} `yaml:"google_drive"`

	Limits struct {
		MaxFileSizeMB int `yaml:"max_file_size_mb"`
	} `yaml:"limits"`
}

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	config, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := cleanup.EnsureDirs(config.Storage.TempDir, config.Storage.UploadDir, config.Storage.AudioDir); err != nil {
		log.Fatalf("Failed to create working directories: %v", err)
	}

	// Logs go to stdout, the in-memory ring served at /logs, and a
	// rotated file.
	logBuffer := &LogBuffer{lines: make([]string, 0, 1000)}
	writers := []io.Writer{os.Stdout, logBuffer}
	if config.Storage.LogFile != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.Storage.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
	log.SetOutput(io.MultiWriter(writers...))

	log.Println("Initializing components...")

	db, err := store.Open(config.Storage.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Work interrupted by the previous shutdown cannot be resumed.
	if n, err := db.FailInterrupted(); err != nil {
		log.Fatalf("Crash recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("Crash recovery: %d interrupted job(s) marked failed", n)
	}

	audio := services.NewAudioProcessor("", "", config.Storage.TempDir)
	transcriber := services.NewWhisperTranscriber(
		config.Whisper.FastModel, config.Whisper.QualityModel, config.Storage.TempDir)
	diarizer := services.NewScriptDiarizer(config.Diarization.Script)
	embedder := services.NewScriptEmbedder(config.Embedding.Script)
	textgen := services.NewChatClient(config.TextGen.BaseURL, config.TextGen.APIKey, config.TextGen.Model)

	hub := events.NewHub()
	reg := registry.New(db)

	orchestrator := pipeline.NewOrchestrator(db, audio, transcriber, diarizer, embedder, textgen, hub)
	refiner := refine.NewRunner(db, textgen, hub)

	// Google Drive archival is optional; without credentials the
	// transcripts simply stay local.
	var archiver *archive.DriveArchiver
	if _, err := os.Stat(config.GoogleDrive.CredentialsFile); err == nil {
		archiver, err = archive.NewDriveArchiver(db,
			config.GoogleDrive.CredentialsFile,
			config.GoogleDrive.TokenFile,
			config.GoogleDrive.FolderName)
		if err != nil {
			log.Printf("WARNING: Google Drive not available: %v", err)
			archiver = nil
		} else {
			log.Println("Google Drive archival enabled")
		}
	} else {
		log.Println("Google Drive credentials not found, transcripts stay local")
	}

	workerPool := queue.NewWorkerPool(config.Workers.Count, db, hub)
	workerPool.Register(types.KindFullPipeline, func(ctx context.Context, job *types.Job) (string, error) {
		if err := orchestrator.RunFull(ctx, job); err != nil {
			return "", err
		}
		if archiver != nil {
			archiver.ArchiveAsync(job.RecordingID)
		}
		return "", nil
	})
	workerPool.Register(types.KindRediarize, wrap(orchestrator.Rediarize))
	workerPool.Register(types.KindReidentify, wrap(orchestrator.Reidentify))
	workerPool.Register(types.KindRefine, wrap(refiner.Run))
	workerPool.Register(types.KindFinalizeLive, func(ctx context.Context, job *types.Job) (string, error) {
		if err := orchestrator.FinalizeLive(ctx, job); err != nil {
			return "", err
		}
		if archiver != nil {
			archiver.ArchiveAsync(job.RecordingID)
		}
		return "", nil
	})
	workerPool.Register(types.KindExtractInsights, orchestrator.ExtractInsights)
	orchestrator.SetEnqueue(workerPool.EnqueueFunc)
	workerPool.Start()

	liveManager := live.NewManager(db, reg, audio, transcriber, embedder, hub,
		workerPool.EnqueueFunc, config.Storage.AudioDir, config.Storage.TempDir)

	cleanupScheduler := cleanup.NewScheduler(
		config.Storage.TempDir, config.Cleanup.IntervalMinutes, config.Cleanup.MaxAgeHours)
	cleanupScheduler.Start()
	defer cleanupScheduler.Stop()

	app := fiber.New(fiber.Config{
		BodyLimit: config.Limits.MaxFileSizeMB * 1024 * 1024,
	})
	app.Use(fiberrecover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	uploadHandler := handlers.NewUploadHandler(db, workerPool, config.Storage.UploadDir, config.Limits.MaxFileSizeMB)
	recordingHandler := handlers.NewRecordingHandler(db, reg)
	jobHandler := handlers.NewJobHandler(db, workerPool)
	profileHandler := handlers.NewProfileHandler(db)
	liveHandler := handlers.NewLiveHandler(liveManager, hub)
	eventsHandler := handlers.NewEventsHandler(hub)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy", "version": "1.0.0"})
	})

	app.Post("/upload", uploadHandler.Handle)
	app.Post("/recordings", recordingHandler.Create)
	app.Get("/recordings/:id", recordingHandler.Get)
	app.Delete("/recordings/:id", recordingHandler.Delete)
	app.Post("/recordings/:id/jobs", jobHandler.Enqueue)
	app.Get("/recordings/:id/jobs", jobHandler.List)
	app.Get("/jobs/:id", jobHandler.Get)
	app.Post("/jobs/:id/cancel", jobHandler.Cancel)
	app.Put("/segments/:id", recordingHandler.EditSegment)
	app.Put("/speakers/:id", recordingHandler.RenameSpeaker)
	app.Post("/speakers/:id/merge", recordingHandler.MergeSpeakers)
	app.Get("/profiles", profileHandler.List)
	app.Post("/profiles", profileHandler.Create)
	app.Delete("/profiles/:id", profileHandler.Delete)

	app.Get("/ws/live/:id", websocket.New(liveHandler.Handle))
	app.Get("/ws/recordings/:id/events", websocket.New(eventsHandler.Handle))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/logs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"logs": logBuffer.GetLogs()})
	})

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	log.Printf("Server starting on %s", addr)

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint
		log.Println("Shutting down gracefully...")
		app.Shutdown()
	}()

	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// wrap adapts an error-only pipeline method to the queue handler shape.
func wrap(fn func(ctx context.Context, job *types.Job) error) queue.Handler {
	return func(ctx context.Context, job *types.Job) (string, error) {
		return "", fn(ctx, job)
	}
}

// LogBuffer captures recent log lines in memory for GET /logs.
type LogBuffer struct {
	lines []string
	mu    sync.Mutex
}

func (lb *LogBuffer) Write(p []byte) (n int, err error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.lines = append(lb.lines, string(p))
	if len(lb.lines) > 1000 {
		lb.lines = lb.lines[len(lb.lines)-1000:]
	}
	return len(p), nil
}

func (lb *LogBuffer) GetLogs() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	logs := make([]string, len(lb.lines))
	copy(logs, lb.lines)
	return logs
}

func loadConfig(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config Config
	if err := yaml.Unmarshal(file, &config); err != nil {
		return nil, err
	}
	return &config, nil
}
