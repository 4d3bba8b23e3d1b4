package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labflow/labflow/internal/config"
	"github.com/labflow/labflow/internal/domain/catalog"
	"github.com/labflow/labflow/internal/domain/identity"
	"github.com/labflow/labflow/internal/domain/order"
	"github.com/labflow/labflow/internal/domain/queue"
	"github.com/labflow/labflow/internal/domain/reconcile"
	"github.com/labflow/labflow/internal/domain/resolver"
	"github.com/labflow/labflow/internal/platform/auth"
	"github.com/labflow/labflow/internal/platform/db"
	"github.com/labflow/labflow/internal/platform/metrics"
	"github.com/labflow/labflow/internal/platform/middleware"
)

func main() {
	root := &cobra.Command{
		Use:   "labflow-server",
		Short: "Lab order fulfillment and queue projection service",
	}
	root.AddCommand(serveCmd(), migrateCmd(), reconcileCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

// services bundles the wired domain layer for both the HTTP server and
// the CLI reconciliation commands.
type services struct {
	orders    *order.Service
	catalog   *catalog.Service
	queue     *queue.Service
	reconcile *reconcile.Service
	metrics   *metrics.Registry
}

func buildServices(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) *services {
	reg := metrics.NewRegistry()

	catalogRepo := catalog.NewPgRepository(pool)
	directory := identity.NewPgDirectory(pool)
	res := resolver.New(directory, catalogRepo)

	orderRepo := order.NewPgRepository(pool)
	historyRepo := order.NewPgStatusHistoryRepository(pool)
	orderSvc := order.NewService(orderRepo, historyRepo, res, reg, logger)
	catalogSvc := catalog.NewService(catalogRepo)

	return &services{
		orders:    orderSvc,
		catalog:   catalogSvc,
		queue:     queue.NewService(orderRepo, res, cfg.ResolverTimeout(), reg, logger),
		reconcile: reconcile.NewService(orderRepo, catalogSvc, res, logger),
		metrics:   reg,
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svcs := buildServices(pool, cfg, logger)

			e := echo.New()
			e.HideBanner = true
			e.Use(middleware.RequestID())
			e.Use(middleware.Logger(logger))
			e.Use(middleware.Recovery(logger))
			e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: cfg.CORSOrigins}))
			e.Use(middleware.RateLimit(middleware.RateLimitConfig{
				RequestsPerSecond: cfg.RateLimitRPS,
				BurstSize:         cfg.RateLimitBurst,
			}))
			if cfg.IsDev() && cfg.AuthSigningKey == "" {
				logger.Warn().Msg("no signing key configured, using permissive dev auth")
				e.Use(auth.DevAuthMiddleware())
			} else {
				e.Use(auth.JWTMiddleware([]byte(cfg.AuthSigningKey)))
			}

			e.GET("/health", func(c echo.Context) error {
				return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
			})
			e.GET("/health/db", db.HealthHandler(pool))
			e.GET("/metrics", echo.WrapHandler(svcs.metrics.Handler()))

			api := e.Group("/api/v1")
			catalog.NewHandler(svcs.catalog).RegisterRoutes(api)
			order.NewHandler(svcs.orders, logger).RegisterRoutes(api)
			queue.NewHandler(svcs.queue, logger).RegisterRoutes(api)
			reconcile.NewHandler(svcs.reconcile, logger).RegisterRoutes(api)

			go func() {
				logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting server")
				if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
					logger.Fatal().Err(err).Msg("server failed")
				}
			}()

			<-ctx.Done()
			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}
}

func migrateCmd() *cobra.Command {
	var migrationsDir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "dir", "migrations", "directory containing migration files")

	withMigrator := func(run func(ctx context.Context, m *db.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			return run(ctx, db.NewMigrator(pool, migrationsDir))
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator) error {
			applied, err := m.Up(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s)\n", applied)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator) error {
			statuses, err := m.Status(ctx)
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Version", "Name", "Applied", "Applied At"})
			for _, s := range statuses {
				appliedAt := ""
				if s.AppliedAt != nil {
					appliedAt = s.AppliedAt.Format(time.RFC3339)
				}
				t.AppendRow(table.Row{s.Version, s.Name, s.Applied, appliedAt})
			}
			t.Render()
			return nil
		}),
	})

	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Detect and repair broken order references",
	}

	withServices := func(run func(ctx context.Context, svcs *services) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			return run(ctx, buildServices(pool, cfg, logger))
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Scan all orders for unresolvable references",
		RunE: withServices(func(ctx context.Context, svcs *services) error {
			report, err := svcs.reconcile.FindOrphanedReferences(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("scanned %d order(s), %d affected\n\n", report.OrdersScanned, len(report.AffectedOrders))

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Kind", "Missing ID"})
			for _, id := range report.MissingPatients {
				t.AppendRow(table.Row{"patient", id})
			}
			for _, id := range report.MissingDoctors {
				t.AppendRow(table.Row{"doctor", id})
			}
			for _, id := range report.MissingTestDefinitions {
				t.AppendRow(table.Row{"test definition", id})
			}
			t.Render()

			if len(report.AffectedOrders) > 0 {
				at := table.NewWriter()
				at.SetOutputMirror(os.Stdout)
				at.SetStyle(table.StyleLight)
				at.AppendHeader(table.Row{"Affected Order"})
				for _, id := range report.AffectedOrders {
					at.AppendRow(table.Row{id})
				}
				at.Render()
			}
			return nil
		}),
	})

	repair := &cobra.Command{
		Use:   "repair-definition",
		Short: "Backfill a missing test definition",
	}
	var (
		defID, defCode, defName, defCategory, defSpecimen string
		defPrice                                          int64
		defTurnaround                                     int
		defActive                                         bool
	)
	repair.Flags().StringVar(&defID, "id", "", "test definition id (required)")
	repair.Flags().StringVar(&defCode, "code", "", "short code (required)")
	repair.Flags().StringVar(&defName, "name", "", "display name (required)")
	repair.Flags().StringVar(&defCategory, "category", "", "category")
	repair.Flags().StringVar(&defSpecimen, "specimen-type", "", "specimen type")
	repair.Flags().Int64Var(&defPrice, "price-cents", 0, "price in cents")
	repair.Flags().IntVar(&defTurnaround, "turnaround-hours", 0, "turnaround time in hours")
	repair.Flags().BoolVar(&defActive, "active", true, "whether the definition is orderable")
	repair.MarkFlagRequired("id")
	repair.MarkFlagRequired("code")
	repair.MarkFlagRequired("name")
	repair.RunE = withServices(func(ctx context.Context, svcs *services) error {
		id, err := uuid.Parse(defID)
		if err != nil {
			return fmt.Errorf("invalid --id: %w", err)
		}
		inserted, err := svcs.reconcile.RepairTestDefinition(ctx, &catalog.TestDefinition{
			ID:              id,
			Code:            defCode,
			Name:            defName,
			Category:        defCategory,
			SpecimenType:    defSpecimen,
			PriceCents:      defPrice,
			TurnaroundHours: defTurnaround,
			Active:          defActive,
		})
		if err != nil {
			return err
		}
		if inserted {
			fmt.Println("definition inserted")
		} else {
			fmt.Println("definition already present, nothing to do")
		}
		return nil
	})
	cmd.AddCommand(repair)

	rebind := &cobra.Command{
		Use:   "rebind",
		Short: "Rebind an order's patient or doctor reference",
	}
	var rebindOrder, rebindField, rebindNewID string
	rebind.Flags().StringVar(&rebindOrder, "order", "", "order id (required)")
	rebind.Flags().StringVar(&rebindField, "field", "", "patientId or doctorId (required)")
	rebind.Flags().StringVar(&rebindNewID, "new-id", "", "replacement person id (required)")
	rebind.MarkFlagRequired("order")
	rebind.MarkFlagRequired("field")
	rebind.MarkFlagRequired("new-id")
	rebind.RunE = withServices(func(ctx context.Context, svcs *services) error {
		orderID, err := uuid.Parse(rebindOrder)
		if err != nil {
			return fmt.Errorf("invalid --order: %w", err)
		}
		newID, err := uuid.Parse(rebindNewID)
		if err != nil {
			return fmt.Errorf("invalid --new-id: %w", err)
		}
		field, err := reconcile.ParseRebindField(rebindField)
		if err != nil {
			return err
		}
		if err := svcs.reconcile.RebindOrderReference(ctx, orderID, field, newID); err != nil {
			return err
		}
		fmt.Println("reference rebound")
		return nil
	})
	cmd.AddCommand(rebind)

	return cmd
}
