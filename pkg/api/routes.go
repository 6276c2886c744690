package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/latest", s.handleLatestRun)
		r.Get("/clusters/{mc_uid}/history", s.handleHistory)
		r.Get("/opportunities", s.handleOpportunities)

		r.Route("/charts", func(r chi.Router) {
			r.Get("/savings-trend", s.handleSavingsTrend)
			r.Get("/savings-distribution", s.handleSavingsDistribution)
			r.Get("/age-distribution", s.handleAgeDistribution)
			r.Get("/savings-breakdown", s.handleSavingsBreakdown)
			r.Get("/provider-comparison", s.handleProviderComparison)
			r.Get("/version-analysis", s.handleVersionAnalysis)
			r.Get("/age-savings-correlation", s.handleAgeSavingsCorrelation)
			r.Get("/shard-cost-quartiles", s.handleShardCostQuartiles)
		})
	})

	return r
}

// corsMiddleware returns the CORS middleware configured from settings.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
}

// requestLogger logs each request at debug level.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("Request handled")
	})
}
