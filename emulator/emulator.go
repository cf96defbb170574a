// Package emulator is an in-process stand-in for the canvas service. It
// implements exactly the endpoints the client consumes, with the same
// status codes and rate-limit headers, so plans can be exercised locally
// without a live token. It is a development aid, not the real service.
package emulator

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"pixeldraw/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Config shapes the emulated canvas and its rate policy.
type Config struct {
	Width  int
	Height int

	// Cooldown is the per-pixel window after a write during which another
	// write to the same pixel is rejected with a 429. Zero picks the 30
	// second default; negative disables cooldowns.
	Cooldown time.Duration

	// Token is the static bearer token required on every request. Empty
	// disables auth unless JWTSecret is set.
	Token string

	// JWTSecret switches auth to verifying HS256 JWTs instead of comparing
	// the token byte for byte.
	JWTSecret string
}

// Server holds the emulated canvas. The zero canvas is all white.
type Server struct {
	cfg Config
	id  string

	mu        sync.RWMutex
	pixels    []core.Color
	notBefore map[core.Point]time.Time

	// now is swapped out by tests to step through cooldown windows.
	now func() time.Time
}

// New builds an emulator. Unset dimensions default to 160x90 and an unset
// cooldown to 30 seconds, roughly the shape of the service being emulated.
func New(cfg Config) *Server {
	if cfg.Width <= 0 {
		cfg.Width = 160
	}
	if cfg.Height <= 0 {
		cfg.Height = 90
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}

	pixels := make([]core.Color, cfg.Width*cfg.Height)
	for i := range pixels {
		pixels[i] = core.White
	}
	s := &Server{
		cfg:       cfg,
		id:        ulid.Make().String(),
		pixels:    pixels,
		notBefore: make(map[core.Point]time.Time),
		now:       time.Now,
	}
	logrus.WithFields(logrus.Fields{
		"emulator": s.id,
		"size":     fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"cooldown": cfg.Cooldown.String(),
	}).Debug("Emulator created")
	return s
}

// ID returns the instance id carried in the emulator's logs.
func (s *Server) ID() string { return s.id }

// Seed paints a pixel directly, bypassing auth and cooldowns. For dev
// setups and tests that need a known starting canvas.
func (s *Server) Seed(p core.Point, c core.Color) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.in(p) {
		s.pixels[p.Y*s.cfg.Width+p.X] = c
	}
}

// Handler returns the emulator's router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/get_size", s.handleGetSize)
		r.Get("/get_pixels", s.handleGetPixels)
		r.Get("/get_pixel", s.handleGetPixel)
		r.Post("/set_pixel", s.handleSetPixel)
		r.Post("/swap_pixel", s.handleSwapPixel)
	})

	return r
}

func (s *Server) handleGetSize(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]int{"width": s.cfg.Width, "height": s.cfg.Height})
}

func (s *Server) handleGetPixels(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	raw := make([]byte, 0, len(s.pixels)*3)
	for _, c := range s.pixels {
		red, green, blue := c.RGB()
		raw = append(raw, red, green, blue)
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(raw)
}

func (s *Server) handleGetPixel(w http.ResponseWriter, r *http.Request) {
	x, errX := strconv.Atoi(r.URL.Query().Get("x"))
	y, errY := strconv.Atoi(r.URL.Query().Get("y"))
	if errX != nil || errY != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, map[string]string{"message": "x and y query parameters are required integers"})
		return
	}
	p := core.Pt(x, y)
	if !s.in(p) {
		s.renderOutOfRange(w, r, p)
		return
	}

	s.mu.RLock()
	col := s.pixels[p.Y*s.cfg.Width+p.X]
	s.mu.RUnlock()

	render.JSON(w, r, map[string]interface{}{"x": p.X, "y": p.Y, "rgb": col.Hex()})
}

func (s *Server) handleSetPixel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		X   *int    `json:"x"`
		Y   *int    `json:"y"`
		RGB *string `json:"rgb"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, map[string]string{"message": "could not parse request body"})
		return
	}
	if req.X == nil || req.Y == nil || req.RGB == nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, map[string]string{"message": "x, y and rgb are required"})
		return
	}
	col, err := core.ParseColor(*req.RGB)
	if err != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, map[string]string{"message": fmt.Sprintf("invalid color %q", *req.RGB)})
		return
	}
	p := core.Pt(*req.X, *req.Y)
	if !s.in(p) {
		s.renderOutOfRange(w, r, p)
		return
	}

	s.mu.Lock()
	now := s.now()
	if wait, hot := s.hotLocked(now, p); hot {
		s.mu.Unlock()
		s.renderCooldown(w, r, wait)
		return
	}
	s.pixels[p.Y*s.cfg.Width+p.X] = col
	s.notBefore[p] = now.Add(s.cfg.Cooldown)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"emulator": s.id,
		"pixel":    p.String(),
		"color":    col.String(),
	}).Debug("Pixel set")
	s.budgetHeaders(w)
	render.JSON(w, r, map[string]string{
		"message": fmt.Sprintf("set pixel at %s to #%s", p, col.Hex()),
	})
}

func (s *Server) handleSwapPixel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Origin *core.Point `json:"origin"`
		Dest   *core.Point `json:"dest"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, map[string]string{"message": "could not parse request body"})
		return
	}
	if req.Origin == nil || req.Dest == nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, map[string]string{"message": "origin and dest are required"})
		return
	}
	a, b := *req.Origin, *req.Dest
	if !s.in(a) {
		s.renderOutOfRange(w, r, a)
		return
	}
	if !s.in(b) {
		s.renderOutOfRange(w, r, b)
		return
	}

	s.mu.Lock()
	now := s.now()
	waitA, hotA := s.hotLocked(now, a)
	waitB, hotB := s.hotLocked(now, b)
	if hotA || hotB {
		s.mu.Unlock()
		if waitB > waitA {
			waitA = waitB
		}
		s.renderCooldown(w, r, waitA)
		return
	}
	ia, ib := a.Y*s.cfg.Width+a.X, b.Y*s.cfg.Width+b.X
	s.pixels[ia], s.pixels[ib] = s.pixels[ib], s.pixels[ia]
	expiry := now.Add(s.cfg.Cooldown)
	s.notBefore[a] = expiry
	s.notBefore[b] = expiry
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"emulator": s.id,
		"a":        a.String(),
		"b":        b.String(),
	}).Debug("Pixels swapped")
	s.budgetHeaders(w)
	render.JSON(w, r, map[string]string{
		"message": fmt.Sprintf("swapped pixels %s and %s", a, b),
	})
}

func (s *Server) in(p core.Point) bool {
	return p.X >= 0 && p.X < s.cfg.Width && p.Y >= 0 && p.Y < s.cfg.Height
}

func (s *Server) hotLocked(now time.Time, p core.Point) (time.Duration, bool) {
	nb, ok := s.notBefore[p]
	if !ok || !nb.After(now) {
		return 0, false
	}
	return nb.Sub(now), true
}

func (s *Server) renderOutOfRange(w http.ResponseWriter, r *http.Request, p core.Point) {
	render.Status(r, http.StatusUnprocessableEntity)
	render.JSON(w, r, map[string]string{
		"message": fmt.Sprintf("pixel %s outside canvas %dx%d", p, s.cfg.Width, s.cfg.Height),
	})
}

func (s *Server) renderCooldown(w http.ResponseWriter, r *http.Request, wait time.Duration) {
	secs := ceilSeconds(wait)
	w.Header().Set("Cooldown-Reset", strconv.Itoa(secs))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	render.Status(r, http.StatusTooManyRequests)
	render.JSON(w, r, map[string]string{"message": "pixel is cooling down"})
}

// budgetHeaders mirrors the budget the real service reports on writes: one
// request per window, spent just now.
func (s *Server) budgetHeaders(w http.ResponseWriter) {
	w.Header().Set("Requests-Remaining", "0")
	w.Header().Set("Requests-Limit", "1")
	w.Header().Set("Requests-Reset", strconv.Itoa(ceilSeconds(s.cfg.Cooldown)))
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
