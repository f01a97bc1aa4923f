// Package ops is the operator HTTP surface: health, job control, token
// suspend/resume, and history export. It is a thin adapter; all behavior
// lives in the components it fronts.
package ops

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"solana-flywheel-engine/internal/jobs"
	"solana-flywheel-engine/internal/registry"
)

// Registry is the store surface the server needs.
type Registry interface {
	GetToken(id string) (*registry.Token, error)
	SetSuspended(tokenID string, suspended bool) error
	ExportTradesCSV(w io.Writer) error
	ExportClaimsCSV(w io.Writer) error
}

// Resumer clears a token's circuit breaker.
type Resumer interface {
	ResumeToken(tokenID string) error
}

// Server is the operator HTTP server.
type Server struct {
	app          *fiber.App
	supervisor   *jobs.Supervisor
	store        Registry
	resumer      Resumer
	rpcHealthy   func() bool
	platformMint string
	host         string
	port         int
}

// NewServer creates the ops server.
func NewServer(host string, port int, supervisor *jobs.Supervisor, store Registry, resumer Resumer, rpcHealthy func() bool, platformMint string) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,
	})

	s := &Server{
		app:          app,
		supervisor:   supervisor,
		store:        store,
		resumer:      resumer,
		rpcHealthy:   rpcHealthy,
		platformMint: platformMint,
		host:         host,
		port:         port,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/jobs", s.handleJobs)
	s.app.Post("/jobs/:name/start", s.handleJobStart)
	s.app.Post("/jobs/:name/stop", s.handleJobStop)
	s.app.Post("/jobs/:name/restart", s.handleJobRestart)
	s.app.Post("/tokens/:id/resume", s.handleTokenResume)
	s.app.Post("/tokens/:id/suspend", s.handleTokenSuspend)
	s.app.Get("/history/trades.csv", s.handleTradesExport)
	s.app.Get("/history/claims.csv", s.handleClaimsExport)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	healthy := s.rpcHealthy == nil || s.rpcHealthy()
	status := "ok"
	code := fiber.StatusOK
	if !healthy {
		status = "degraded"
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"rpc":    healthy,
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleJobs(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"jobs": s.supervisor.StatusAll()})
}

func (s *Server) handleJobStart(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := s.supervisor.Start(name); err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "started", "job": name})
}

func (s *Server) handleJobStop(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := s.supervisor.Stop(name); err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "stopped", "job": name})
}

func (s *Server) handleJobRestart(c *fiber.Ctx) error {
	name := c.Params("name")

	var interval time.Duration
	if raw := c.Query("interval_seconds"); raw != "" {
		sec, err := strconv.Atoi(raw)
		if err != nil || sec < 1 {
			return c.Status(400).JSON(fiber.Map{"error": "invalid interval_seconds"})
		}
		interval = time.Duration(sec) * time.Second
	}

	if err := s.supervisor.Restart(name, interval); err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "restarted", "job": name})
}

func (s *Server) handleTokenResume(c *fiber.Ctx) error {
	id := c.Params("id")
	tok, err := s.store.GetToken(id)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	if tok == nil {
		return c.Status(404).JSON(fiber.Map{"error": "unknown token"})
	}

	if err := s.store.SetSuspended(id, false); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	if s.resumer != nil {
		if err := s.resumer.ResumeToken(id); err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
	}

	log.Info().Str("token", id).Msg("token resumed by operator")
	return c.JSON(fiber.Map{"status": "resumed", "token": id})
}

func (s *Server) handleTokenSuspend(c *fiber.Ctx) error {
	id := c.Params("id")
	tok, err := s.store.GetToken(id)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	if tok == nil {
		return c.Status(404).JSON(fiber.Map{"error": "unknown token"})
	}

	// Bulk suspension spares the platform token; a targeted suspend must be
	// explicit about it.
	if s.platformMint != "" && tok.Mint == s.platformMint && c.Query("force") != "true" {
		return c.Status(409).JSON(fiber.Map{"error": "platform token, pass force=true to suspend"})
	}

	if err := s.store.SetSuspended(id, true); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	log.Info().Str("token", id).Msg("token suspended by operator")
	return c.JSON(fiber.Map{"status": "suspended", "token": id})
}

func (s *Server) handleTradesExport(c *fiber.Ctx) error {
	var buf bytes.Buffer
	if err := s.store.ExportTradesCSV(&buf); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	c.Set("Content-Type", "text/csv")
	c.Set("Content-Disposition", `attachment; filename="trades.csv"`)
	return c.Send(buf.Bytes())
}

func (s *Server) handleClaimsExport(c *fiber.Ctx) error {
	var buf bytes.Buffer
	if err := s.store.ExportClaimsCSV(&buf); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	c.Set("Content-Type", "text/csv")
	c.Set("Content-Disposition", `attachment; filename="claims.csv"`)
	return c.Send(buf.Bytes())
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("ops server listening")
	return s.app.Listen(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
