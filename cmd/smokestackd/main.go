package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"smokestack/internal/auth"
	"smokestack/internal/config"
	"smokestack/internal/db"
	"smokestack/internal/engine"
	engineauth "smokestack/internal/engine/auth"
	"smokestack/internal/events"
	"smokestack/internal/history"
	"smokestack/internal/journal"
	"smokestack/internal/schema"
	"smokestack/internal/server"
	"smokestack/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "smokestackd",
	Short: "Smokestack coordination server",
	Long: `Smokestack coordinates infrastructure operations across teams: deploys,
migrations, kernel updates, and runbooks all move through the same
admission-controlled state machine so that locks, dependencies, and
approvals are enforced centrally instead of per-tool.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	rootCmd.AddCommand(serveCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SMOKESTACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
}

func serveCmd() *cobra.Command {
	var basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}

			cfg, err := config.Load(workspace)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if secret := os.Getenv("SMOKESTACK_JWT_SECRET"); secret != "" {
				cfg.Auth.JWTSecret = secret
			}

			conn, err := db.Open(db.Config{Workspace: cfg.Persistence.HistoryPath})
			if err != nil {
				return fmt.Errorf("open history db: %w", err)
			}
			defer conn.Close()

			histLog, err := history.Open(conn)
			if err != nil {
				return fmt.Errorf("open history log: %w", err)
			}

			jnl, err := journal.Open(cfg.Persistence.SnapshotPath)
			if err != nil {
				return fmt.Errorf("open snapshot journal: %w", err)
			}
			snap, err := jnl.Load()
			if err != nil {
				return fmt.Errorf("load snapshot: %w", err)
			}
			st := store.New()
			st.Restore(snap)

			bus := events.NewBus(st, cfg.Subscriptions.QueueCapacity)
			sinks := events.NewSinkDispatcher(st, cfg.SystemSinks.Timeout, cfg.SystemSinks.RetryBackoff, cfg.SystemSinks.DegradeThreshold)
			bus.AttachSinks(sinks)

			checker := engineauth.Checker{Groups: st, Components: st, AdminGroups: cfg.AdminGroups}
			eng := engine.New(st, histLog, jnl, bus, checker)

			handler, err := server.New(server.Config{
				Engine:  eng,
				Store:   st,
				History: histLog,
				Bus:     bus,
				Schema:  schema.New(),
				BasePath: basePath,
				Auth: auth.Config{
					JWTSecret: cfg.Auth.JWTSecret,
					DevLogin:  cfg.Auth.DevLogin,
				},
			})
			if err != nil {
				return fmt.Errorf("build server: %w", err)
			}

			srv := &http.Server{Addr: cfg.Server.Listen, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()

			fmt.Printf("Serving Smokestack API on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs)\n",
				cfg.Server.Listen, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}
