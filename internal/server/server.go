package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"checkout-orchestrator/internal/database"
	"checkout-orchestrator/internal/service"
)

type Server struct {
	port    int
	origins []string

	checkout service.CheckoutService
	db       database.Service
	log      *slog.Logger
}

type Options struct {
	Port           int
	AllowedOrigins []string
	Logger         *slog.Logger
}

func NewServer(checkout service.CheckoutService, db database.Service, opts Options) *http.Server {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	s := &Server{
		port:     opts.Port,
		origins:  opts.AllowedOrigins,
		checkout: checkout,
		db:       db,
		log:      l,
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
