package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (s *Server) RegisterRoutes() http.Handler {
	registerJSONFieldNames()

	r := gin.New()
	r.Use(RequestID(), Logger(s.log), ErrorHandler(s.log), Recovery(s.log))

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Accept", "Content-Type", HeaderUserID, HeaderIdempotencyKey, HeaderRequestID},
		ExposeHeaders:    []string{HeaderRequestID},
		AllowCredentials: true,
	}))

	r.GET("/health", s.healthHandler)

	authed := r.Group("/", RequireUser())
	authed.POST("/checkout", s.checkoutHandler)
	authed.GET("/orders/:id", s.getOrderHandler)
	authed.POST("/orders/:id/cancel", s.cancelHandler)

	return r
}
