package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"airquality-cloud/internal/audit"
	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/calibration"
	"airquality-cloud/internal/config"
	"airquality-cloud/internal/errtrack"
	"airquality-cloud/internal/instruments/application"
	"airquality-cloud/internal/instruments/infrastructure/memory"
	"airquality-cloud/internal/instruments/infrastructure/postgres"
	apihttp "airquality-cloud/internal/instruments/interfaces/http"
	"airquality-cloud/internal/instruments/interfaces/mqtt"
	"airquality-cloud/internal/mapsummary"
	"airquality-cloud/internal/observability/metrics"
	"airquality-cloud/internal/storage"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var devLogging bool

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "airquality-cloud",
		Short:        "Air quality instrument telemetry service",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&devLogging, "dev", false, "human readable debug logging")
	root.AddCommand(serveCmd(), migrateCmd(), seedCmd(), userCmd(), backupCmd())
	return root
}

func newLogger() (*zap.Logger, error) {
	if devLogging {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// runtime holds the collaborators shared by every command.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	db     *sql.DB
	store  interface {
		application.Store
		auth.PrincipalStore
	}
	pg *postgres.Store
}

func open(ctx context.Context) (*runtime, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger}
	if cfg.Store == "memory" {
		logger.Warn("using in-memory store, data is lost on exit")
		rt.store = memory.NewStore()
		return rt, nil
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	pg, err := postgres.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	rt.db, rt.pg, rt.store = db, pg, pg
	return rt, nil
}

func (rt *runtime) close() {
	if rt.db != nil {
		_ = rt.db.Close()
	}
	_ = rt.logger.Sync()
}

func (rt *runtime) requirePostgres(command string) error {
	if rt.pg == nil {
		return fmt.Errorf("%s requires STORE=postgres", command)
	}
	return nil
}

func (rt *runtime) reporter() errtrack.Reporter {
	reporters := errtrack.Multi{errtrack.LogReporter{Logger: rt.logger}}
	if rt.cfg.ErrorDSN != "" {
		reporters = append(reporters, errtrack.NewHTTPReporter(rt.cfg.ErrorDSN, rt.cfg.ServiceName, rt.logger))
	}
	return reporters
}

func (rt *runtime) objects() application.ObjectStore {
	if rt.cfg.ExportEndpoint != "" {
		return storage.NewHTTPStore(rt.cfg.ExportEndpoint, rt.cfg.ExportToken)
	}
	return storage.NewFilesystem(rt.cfg.ExportRoot)
}

func (rt *runtime) exports() (*application.ExportService, error) {
	return application.NewExportService(rt.store, rt.objects(), rt.cfg.ExportBucket, rt.reporter(), application.SystemClock{}, rt.logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the optional MQTT subscriber",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rt, err := open(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			return serve(ctx, rt)
		},
	}
}

func serve(ctx context.Context, rt *runtime) error {
	cfg, logger := rt.cfg, rt.logger
	metrics.Init(rt.db, logger)
	reporter := rt.reporter()
	clock := application.SystemClock{}

	loader := calibration.NewLoader(cfg.ModelsDir, logger)
	go func() {
		if err := loader.Watch(ctx); err != nil {
			logger.Warn("model watcher stopped", zap.Error(err))
		}
	}()

	devices, err := application.NewInstrumentService(rt.store, clock, cfg.PublicBaseURL)
	if err != nil {
		return err
	}
	data, err := application.NewDataService(rt.store, clock, cfg.PublicBaseURL)
	if err != nil {
		return err
	}
	ingest, err := application.NewIngestService(rt.store, loader, reporter, clock, logger)
	if err != nil {
		return err
	}
	exports, err := rt.exports()
	if err != nil {
		return err
	}
	models, err := application.NewModelService(rt.store, loader, storage.NewUploadPolicy(cfg.AllowedExtensions), clock, cfg.PublicBaseURL)
	if err != nil {
		return err
	}
	logs, err := application.NewLogService(rt.store, clock, cfg.PublicBaseURL)
	if err != nil {
		return err
	}

	var cache mapsummary.Cache = mapsummary.NewMemoryCache()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		cache = mapsummary.NewRedisCache(client)
	}
	summaries, err := mapsummary.NewService(application.MapSource{Store: rt.store}, cache, cfg.AllowedPollutants,
		cfg.MaxAgeOnMap, cfg.PublicBaseURL, logger, mapsummary.WithCacheHook(metrics.ObserveMapCache))
	if err != nil {
		return err
	}

	var auditLog audit.Logger = &audit.MemoryLogger{}
	if rt.db != nil {
		auditLog = audit.NewRepository(rt.db)
	}

	handler, err := apihttp.NewHandler(apihttp.Deps{
		Instruments:       devices,
		Data:              data,
		Ingest:            ingest,
		Exports:           exports,
		Models:            models,
		Logs:              logs,
		Map:               summaries,
		Audit:             auditLog,
		Reporter:          reporter,
		Logger:            logger,
		Clock:             clock,
		BaseURL:           cfg.PublicBaseURL,
		DefaultPerPage:    cfg.DefaultPerPage,
		MaxPerPage:        cfg.MaxPerPage,
		DataPointsPerPage: cfg.DataPointsPerPage,
	})
	if err != nil {
		return err
	}

	if cfg.MQTTBroker != "" {
		sub, err := mqtt.NewSubscriber(ingest, logger)
		if err != nil {
			return err
		}
		if err := sub.Start(ctx, mqtt.Options{Broker: cfg.MQTTBroker, ClientID: cfg.MQTTClientID, Topic: cfg.MQTTTopic, QoS: 1}); err != nil {
			return err
		}
	}

	api := http.NewServeMux()
	handler.Register(api)
	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil).WithOptional("/map/", "/models/")
	authed := handler.Recover(auth.NewMiddleware(rt.store, []byte(cfg.SessionSecret), policy, logger).Wrap(api))
	webhookAuth := auth.NewWebhookSignature([]byte(cfg.WebhookSecret), cfg.WebhookMaxSkew)

	mux := http.NewServeMux()
	mux.Handle("/data/webhook/", webhookAuth.Wrap(authed))
	mux.Handle("/", authed)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(mux, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store))
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return server.Shutdown(shutdown)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and create observation tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.requirePostgres("migrate"); err != nil {
				return err
			}
			applied, err := rt.pg.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			rt.logger.Info("migrations applied", zap.Strings("versions", applied))
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert the default roles and groups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.requirePostgres("seed"); err != nil {
				return err
			}
			if err := rt.pg.Seed(cmd.Context()); err != nil {
				return err
			}
			rt.logger.Info("roles and groups seeded", zap.Int("roles", len(auth.Roles)), zap.Int("groups", len(auth.Groups)))
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage user accounts"}

	var email, name, role string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a user and print its API key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			users, err := application.NewUserService(rt.store, application.SystemClock{})
			if err != nil {
				return err
			}
			created, key, err := users.Add(cmd.Context(), email, name, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d (%s) role=%s key=%s\n", created.ID, created.Email, created.Role, key)
			return nil
		},
	}
	add.Flags().StringVar(&email, "email", "", "email address")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&role, "role", "", "role name, defaults to User")
	_ = add.MarkFlagRequired("email")

	var ttl time.Duration
	session := &cobra.Command{
		Use:   "session <user-id>",
		Short: "Print a bearer session token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("user id: %w", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.SessionSecret) == "" {
				return errors.New("SESSION_SECRET is not set")
			}
			token, err := auth.IssueSession(id, []byte(cfg.SessionSecret), ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	session.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	user.AddCommand(add, session)
	return user
}

func backupCmd() *cobra.Command {
	var daily, monthly bool
	var concurrency int
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export the previous day or month of every instrument",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if daily == monthly {
				return errors.New("exactly one of --daily or --monthly is required")
			}
			rt, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			exports, err := rt.exports()
			if err != nil {
				return err
			}
			report, err := exports.Backup(cmd.Context(), monthly, concurrency)
			if err != nil {
				return err
			}
			rt.logger.Info("backup finished",
				zap.Time("start", report.Start),
				zap.Time("end", report.End),
				zap.Int("written", len(report.Written)),
				zap.Int("empty", len(report.Empty)),
				zap.Int("failed", len(report.Failed)))
			for key, err := range report.Failed {
				rt.logger.Error("backup failed", zap.String("instrument", key), zap.Error(err))
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("backup: %d exports failed", len(report.Failed))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&daily, "daily", false, "export the previous day")
	cmd.Flags().BoolVar(&monthly, "monthly", false, "export the previous calendar month")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "instruments exported in parallel")
	return cmd
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		elapsed := time.Since(start)
		metrics.ObserveHTTP(r.Method, resp.status, elapsed)
		logger.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.status),
			zap.Duration("duration", elapsed))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
