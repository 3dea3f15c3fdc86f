package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arc-archive/arc-datastore/config"
)

// Server receives OTLP/HTTP logs and appends the hits they carry to the
// hits file under the configured output directory.
type Server struct {
	config      *config.Config
	httpServer  *http.Server
	logsHandler *LogsHandler
	log         *logrus.Entry
}

func NewServer(cfg *config.Config, log *logrus.Entry) (*Server, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	hitsWriter, err := NewFileWriter(filepath.Join(cfg.OutputDir, cfg.HitsFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to create hits writer: %w", err)
	}
	logsHandler := NewLogsHandler(hitsWriter, log)

	mux := http.NewServeMux()
	mux.Handle("/v1/logs", logsHandler)

	s := &Server{
		config:      cfg,
		logsHandler: logsHandler,
		log:         log.WithField("component", "collector"),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.CollectorPort),
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the collector routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.WithFields(logrus.Fields{
		"port":       s.config.CollectorPort,
		"output_dir": s.config.OutputDir,
		"hits_file":  s.config.HitsFileName,
	}).Info("Starting OTLP collector")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down collector...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip logging HTTP/2 connection preface
		if r.Method == "PRI" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("Collector request handled")
	})
}
