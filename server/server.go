// Package server exposes the chat session engine over HTTP: a streaming
// generation endpoint plus history, preference, seed, and memory management.
package server

import (
	"bufio"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/papercomputeco/hearth/compact"
	"github.com/papercomputeco/hearth/config"
	"github.com/papercomputeco/hearth/generate"
	"github.com/papercomputeco/hearth/guard"
	"github.com/papercomputeco/hearth/pkg/llm"
	"github.com/papercomputeco/hearth/prefs"
	"github.com/papercomputeco/hearth/session"
)

// Server owns the single shared session and its collaborators, and serves
// the chat API.
type Server struct {
	config     config.Config
	engine     llm.Engine
	ready      *atomic.Bool
	store      *session.Store
	prefStore  *prefs.Store
	guard      *guard.Guard
	controller *generate.Controller
	prompts    *config.PromptLoader
	logger     *zap.Logger
	app        *fiber.App
}

// New creates a Server. ready is the model-load readiness flag, flipped by
// the background loader; generation fails fast until it is set.
func New(cfg config.Config, engine llm.Engine, ready *atomic.Bool, logger *zap.Logger) *Server {
	store := session.NewStore()
	prompts := config.NewPromptLoader(cfg.SystemPromptPath, logger)
	g := guard.New(engine, logger)
	compactor := compact.New(engine, logger)
	controller := generate.NewController(engine, store, compactor, g, prompts, logger)

	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
		// Enable streaming
		StreamRequestBody: true,
	})

	s := &Server{
		config:     cfg,
		engine:     engine,
		ready:      ready,
		store:      store,
		prefStore:  prefs.NewStore(cfg.PreferencesPath, logger),
		guard:      g,
		controller: controller,
		prompts:    prompts,
		logger:     logger,
		app:        app,
	}

	// Register routes
	app.Post("/generate", s.handleGenerate)
	app.Get("/get_history", s.handleGetHistory)
	app.Post("/delete_message", s.handleDeleteMessage)
	app.Post("/delete_last_message", s.handleDeleteLastMessage)
	app.Get("/get_preferences", s.handleGetPreferences)
	app.Post("/save_preferences", s.handleSavePreferences)
	app.Get("/memory_status", s.handleMemoryStatus)
	app.Post("/clear_cache", s.handleClearCache)
	app.Post("/randomize_seed", s.handleRandomizeSeed)
	app.Get("/status", s.handleStatus)
	app.Post("/shutdown", s.handleShutdown)

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(map[string]string{"status": "ok", "server": "running"})
	})

	return s
}

// Run starts the server on the configured listening address.
func (s *Server) Run() error {
	s.logger.Info("starting chat server",
		zap.String("listen", s.config.ListenAddr),
		zap.String("runtime", s.config.RuntimeURL),
		zap.String("model", s.config.ModelPath),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

// Close releases resources held by the server.
func (s *Server) Close() error {
	return s.prompts.Close()
}

// generateBody is the /generate request payload. Sampling fields are per-call
// overrides on top of the persisted preferences and are never persisted.
type generateBody struct {
	Prompt            string   `json:"prompt"`
	MaxTokens         *int     `json:"max_tokens"`
	Temperature       *float64 `json:"temperature"`
	TopP              *float64 `json:"top_p"`
	TopK              *int     `json:"top_k"`
	RepetitionPenalty *float64 `json:"repetition_penalty"`
	Regenerate        bool     `json:"regenerate"`
}

// handleGenerate streams one generation as server-sent events: one frame per
// token, then a terminal done frame. An engine failure mid-stream becomes an
// error frame.
func (s *Server) handleGenerate(c *fiber.Ctx) error {
	if !s.ready.Load() {
		return c.JSON(llm.ErrorResponse{Error: llm.ErrNotReady.Error()})
	}

	var body generateBody
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		s.logger.Error("failed to parse request", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}

	params := s.prefStore.Load().Params(0)
	if body.MaxTokens != nil {
		if *body.MaxTokens <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "max_tokens must be > 0"})
		}
		params.MaxTokens = *body.MaxTokens
	}
	if body.Temperature != nil {
		params.Temperature = *body.Temperature
	}
	if body.TopP != nil {
		params.TopP = *body.TopP
	}
	if body.TopK != nil {
		params.TopK = *body.TopK
	}
	if body.RepetitionPenalty != nil {
		params.RepetitionPenalty = *body.RepetitionPenalty
	}

	req := generate.Request{
		Prompt:     body.Prompt,
		Params:     params,
		Regenerate: body.Regenerate,
	}

	s.logger.Debug("received generate request",
		zap.Int("prompt_len", len(body.Prompt)),
		zap.Bool("regenerate", body.Regenerate),
	)

	// Set up streaming response headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	// The request context doubles as the disconnect signal: dropping the
	// connection cancels engine production.
	ctx := c.Context()

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		emit := func(e generate.Event) {
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Error("failed to marshal event", zap.Error(err))
				return
			}
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			w.Flush()
		}

		state := s.controller.Stream(ctx, req, emit)
		s.logger.Debug("stream finished", zap.Stringer("state", state))
	}))

	return nil
}

func (s *Server) handleGetHistory(c *fiber.Ctx) error {
	return c.JSON(map[string]any{"messages": s.store.History()})
}

func (s *Server) handleDeleteMessage(c *fiber.Ctx) error {
	var body struct {
		Index *int `json:"index"`
	}
	if err := json.Unmarshal(c.Body(), &body); err != nil || body.Index == nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "index required"})
	}

	s.store.DeleteAt(*body.Index)
	return c.JSON(map[string]string{"status": "deleted"})
}

func (s *Server) handleDeleteLastMessage(c *fiber.Ctx) error {
	s.store.DeleteLast()
	return c.JSON(map[string]string{"status": "deleted"})
}

func (s *Server) handleGetPreferences(c *fiber.Ctx) error {
	return c.JSON(s.prefStore.Load())
}

func (s *Server) handleSavePreferences(c *fiber.Ctx) error {
	var payload map[string]any
	if err := json.Unmarshal(c.Body(), &payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "Invalid preferences data"})
	}

	if _, err := s.prefStore.Save(payload); err != nil {
		s.logger.Warn("rejected preference save", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(map[string]string{"status": "saved"})
}

// memoryStatusResponse is the /memory_status payload.
type memoryStatusResponse struct {
	guard.Usage
	ConversationLength int `json:"conversation_length"`
	KVCacheLength      int `json:"kv_cache_length"`
}

func (s *Server) handleMemoryStatus(c *fiber.Ctx) error {
	return c.JSON(memoryStatusResponse{
		Usage:              s.guard.Report(),
		ConversationLength: s.store.Len(),
		KVCacheLength:      s.engine.CacheLength(),
	})
}

func (s *Server) handleClearCache(c *fiber.Ctx) error {
	s.guard.Evict()
	return c.JSON(map[string]string{"status": "cache_cleared"})
}

func (s *Server) handleRandomizeSeed(c *fiber.Ctx) error {
	return c.JSON(map[string]int{"current_seed": s.store.RandomizeSeed()})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(map[string]any{
		"model_loaded": s.ready.Load(),
		"current_seed": s.store.Seed(),
	})
}

func (s *Server) handleShutdown(c *fiber.Ctx) error {
	s.logger.Info("shutdown requested")
	go func() {
		if err := s.Shutdown(); err != nil {
			s.logger.Error("shutdown failed", zap.Error(err))
		}
	}()
	return c.JSON(map[string]string{"status": "shutting_down"})
}
