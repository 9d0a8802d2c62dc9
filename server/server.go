// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package server exposes the device bridge over a small REST API.
//
// Three endpoints are served: GET /devices lists recently advertised
// peripherals, GET /device/{identifier} fetches one peripheral's battery
// level, and POST /scan starts advertisement scanning. Responses are JSON;
// failures carry an error body and a status derived from the failure kind.
package server

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/soothill/ble-battery-bridge/pkg/interfaces"
	"github.com/soothill/ble-battery-bridge/pkg/logger"
)

const (
	readHeaderTimeout = 5 * time.Second
	scanRateLimit     = 10
	scanRateBurst     = 20
)

// Server serves the device listing and battery fetch API.
type Server struct {
	bridge      interfaces.DeviceBridge
	router      *http.ServeMux
	httpServer  *http.Server
	scanLimiter *rate.Limiter
}

// New creates an API server bound to addr.
func New(bridge interfaces.DeviceBridge, addr string) *Server {
	s := &Server{
		bridge:      bridge,
		router:      http.NewServeMux(),
		scanLimiter: rate.NewLimiter(scanRateLimit, scanRateBurst),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("GET /devices", s.handleListDevices)
	s.router.HandleFunc("GET /device/{identifier}", s.handleDeviceDetail)
	s.router.HandleFunc("POST /scan", rateLimitMiddleware(s.scanLimiter, s.handleScan))
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting API server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("API server failed")
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
