package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	config "github.com/xilidan/transcriber/config/transcribe"
	openaiClient "github.com/xilidan/transcriber/gateways/transcribe/clients/openai"
	registryClient "github.com/xilidan/transcriber/gateways/transcribe/clients/registry"
	workflowClient "github.com/xilidan/transcriber/gateways/transcribe/clients/workflow"
	"github.com/xilidan/transcriber/gateways/transcribe/handler"
	authMiddleware "github.com/xilidan/transcriber/gateways/transcribe/middleware"
	"github.com/xilidan/transcriber/services/session/collector"
	"github.com/xilidan/transcriber/services/session/engine"
	"github.com/xilidan/transcriber/services/session/ingest"
	"github.com/xilidan/transcriber/services/session/ledger"
	"github.com/xilidan/transcriber/services/session/notify"
	"github.com/xilidan/transcriber/services/session/storage"
	"github.com/xilidan/transcriber/services/session/usecase"
	"github.com/xilidan/transcriber/services/session/workspace"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 15 * time.Second
	idleTimeout       = 60 * time.Second
	dbConnectTimeout  = 10 * time.Second
)

type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	store   storage.Storage
	client  *http.Client
	health  *health.Server
	usecase usecase.Usecase
	handler *handler.Handler
	router  http.Handler
}

func New(cfg *config.Config, log *slog.Logger) (*Server, error) {
	log.Info("creating new transcribe server")
	log.Debug("server config",
		slog.Int("port", cfg.Port),
		slog.Int("grpc_port", cfg.GRPCPort),
		slog.String("public_base_url", cfg.PublicBaseURL),
		slog.String("backend_url", cfg.BackendService.Url),
		slog.String("engine_binary", cfg.Engine.Binary),
		slog.Int64("max_concurrent_jobs", cfg.Engine.MaxConcurrentJobs),
		slog.Bool("openai_api_key_set", cfg.OpenAI.APIKey != ""),
		slog.Bool("hf_token_set", cfg.Engine.HFToken != ""),
		slog.Bool("auth_enabled", cfg.JWTSecret != ""),
		slog.Bool("database_enabled", cfg.Database.Enabled()))

	log.Debug("creating ingestion storage")
	store, err := newStorage(cfg, log)
	if err != nil {
		return nil, err
	}

	// Outbound calls carry no deadline of their own.
	httpClient := &http.Client{}
	registry := registryClient.New(&cfg.BackendService, httpClient)
	kb := openaiClient.New(&cfg.OpenAI, httpClient)
	webhook := workflowClient.New(&cfg.Workflow, httpClient)
	log.Info("outbound clients created successfully")

	ws := workspace.New(cfg.Dirs.Uploads, cfg.Dirs.Output, cfg.Dirs.Images)
	images := ledger.New(ws)

	uc := usecase.New(usecase.Options{
		WorkDir:           cfg.Dirs.Work,
		PublicBaseURL:     cfg.PublicBaseURL,
		MaxConcurrentJobs: cfg.Engine.MaxConcurrentJobs,
	}, usecase.Deps{
		Workspace: ws,
		Ledger:    images,
		Transcriber: engine.New(engine.Config{
			Binary:      cfg.Engine.Binary,
			ComputeType: cfg.Engine.ComputeType,
			HFToken:     cfg.Engine.HFToken,
			ExtraArgs:   cfg.Engine.ExtraArgs,
		}),
		Collector: collector.New(images),
		Ingestor:  ingest.New(registry, kb, store),
		Notifier:  notify.New(webhook),
	})
	log.Info("session usecase created successfully")

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	h := handler.New(uc, hs, log, handler.Options{
		MaxUploadBytes: cfg.MaxUploadMB << 20,
		ImagesRoot:     cfg.Dirs.Images,
		Ingestions:     store,
		UploadsGuard:   authMiddleware.BearerAuth(cfg.JWTSecret, log),
	})
	log.Info("handler created successfully")

	s := &Server{
		cfg:     cfg,
		log:     log,
		store:   store,
		client:  httpClient,
		health:  hs,
		usecase: uc,
		handler: h,
	}
	s.router = s.routes()

	log.Info("transcribe server instance created successfully")
	return s, nil
}

func newStorage(cfg *config.Config, log *slog.Logger) (storage.Storage, error) {
	if !cfg.Database.Enabled() {
		log.Info("no database configured, keeping ingestion records in memory")
		return storage.New(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbConnectTimeout)
	defer cancel()
	store, err := storage.NewPostgres(ctx, cfg.Database.DSN())
	if err != nil {
		log.Error("failed to connect to postgres", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}
	log.Info("postgres storage connected", slog.String("host", cfg.Database.Host))
	return store, nil
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	s.handler.RegisterRoutes(router)
	return router
}

// Router exposes the HTTP surface without binding a port.
func (s *Server) Router() http.Handler {
	return s.router
}

// RegisterGRPC attaches the health service to srv.
func (s *Server) RegisterGRPC(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

func (s *Server) Start(ctx context.Context) error {
	s.log.Info("starting transcribe server")
	defer s.close()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	// Uploads block until the pipeline finishes, so there is no write timeout.
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	s.log.Debug("HTTP server configured",
		slog.String("addr", addr),
		slog.Duration("read_header_timeout", readHeaderTimeout),
		slog.Duration("idle_timeout", idleTimeout))

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	serverErrors := make(chan error, 2)

	go func() {
		s.log.Info("transcribe gateway started", slog.String("address", srv.Addr))
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ListenAndServe error", slog.String("error", err.Error()))
			serverErrors <- err
		}
	}()

	var grpcSrv *grpc.Server
	if s.cfg.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.GRPCPort))
		if err != nil {
			srv.Close()
			return fmt.Errorf("failed to listen grpc: %w", err)
		}
		grpcSrv = grpc.NewServer()
		s.RegisterGRPC(grpcSrv)
		go func() {
			s.log.Info("grpc health server started", slog.String("address", lis.Addr().String()))
			if err := grpcSrv.Serve(lis); err != nil {
				s.log.Error("grpc serve error", slog.String("error", err.Error()))
				serverErrors <- err
			}
		}()
	}

	s.log.Info("entering main server loop")
	select {
	case err := <-serverErrors:
		s.log.Error("server error received", slog.String("error", err.Error()))
		srv.Close()
		if grpcSrv != nil {
			grpcSrv.Stop()
		}
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		s.log.Info("start shutdown", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.log.Info("closing server due to context cancellation")
	}

	s.health.Shutdown()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.log.Info("shutting down HTTP server gracefully", slog.Duration("timeout", shutdownTimeout))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("graceful shutdown failed", slog.String("error", err.Error()))
		s.log.Warn("forcing server close")
		srv.Close()
		return fmt.Errorf("failed to gracefully shutdown server: %w", err)
	}

	s.log.Info("server stopped cleanly")
	return nil
}

func (s *Server) close() {
	if err := s.store.Close(); err != nil {
		s.log.Warn("failed to close storage", slog.String("error", err.Error()))
	}
}
