package api

import (
	"context"
	"net/http"
	"pastelite/cfg"
	"pastelite/pkg/clock"
	"pastelite/svc/svc"
	"pastelite/svc/util"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Version is reported by /config and may be overridden at link time.
var Version = "1.0.0"

type Server struct {
	router     *chi.Mux
	paste      *svc.Paste
	cfg        *cfg.Cfg
	views      *views
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, p *svc.Paste, clk *clock.Provider) (*Server, error) {
	v, err := newViews()
	if err != nil {
		return nil, errors.Wrap(err, "load views")
	}
	s := &Server{
		paste: p,
		cfg:   c,
		views: v,
	}
	hdl := &Hdl{paste: p, cfg: c, views: v}
	mw := NewMw(c, clk)

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.Recoverer)
	if c.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(hlog.NewHandler(util.GetLogger()))
	r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(req).Info().
			Str("method", req.Method).
			Str("url", req.URL.Path).
			Str("ip", util.RedactIP(req.RemoteAddr)).
			Int("status", status).
			Int("size", size).
			Dur("duration", dur).
			Str("request_id", util.GetRequestID(req.Context())).
			Msg("http request")
	}))
	r.Use(mw.Instrument)
	r.Use(mw.SecurityHeaders)
	r.NotFound(hdl.NotFound)

	r.Get("/health", s.Health)
	r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))

	r.Group(func(r chi.Router) {
		r.Use(mw.ContextTimeout)
		r.Use(mw.TestClock)
		r.Get("/", hdl.Index)
		r.Get("/config", s.ServiceInfo)
		r.Get("/p/{id}", hdl.ViewPaste)
		r.Get("/p/{id}/qr", hdl.PasteQR)
		r.Route("/api", func(r chi.Router) {
			r.Use(mw.CORS)
			r.Use(mw.JSONContentType)
			r.Get("/healthz", s.Healthz)
			r.Post("/pastes", hdl.CreatePaste)
			r.Get("/pastes/{id}", hdl.GetPaste)
		})
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) SetTimeouts(read, write, idle time.Duration) {
	s.httpServer.ReadTimeout = read
	s.httpServer.WriteTimeout = write
	s.httpServer.IdleTimeout = idle
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
