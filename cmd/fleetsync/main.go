package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleetsync/pkg/api"
	"github.com/cuemby/fleetsync/pkg/config"
	"github.com/cuemby/fleetsync/pkg/log"
	"github.com/cuemby/fleetsync/pkg/manager"
	"github.com/cuemby/fleetsync/pkg/metrics"
	"github.com/cuemby/fleetsync/pkg/provider/ec2"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetsync",
	Short: "fleetsync - keep EC2 spot fleets in sync with a worker registry",
	Long: `fleetsync grows and shrinks EC2 spot fleet requests on behalf of a
build cluster. Every fleet member becomes a registered worker node, idle
workers are terminated, and operators can pause a fleet down to one instance.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fleetsync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(fleetsCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciliation engines and the admin API",
	Long: `Run one reconciliation engine per configured fleet together with its
reconcile, provision and idle-retention loops, and serve the admin API.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "fleetsync.yaml", "Configuration file")
	serveCmd.Flags().String("api-addr", "", "Override api.addr from the configuration")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("api-addr"); addr != "" {
		cfg.API.Addr = addr
	}
	metrics.SetVersion(Version)

	ctx := context.Background()
	mgr, err := manager.NewManager(ctx, cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	mgr.Start()

	apiServer := api.NewServer(mgr, log.Logger)
	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	if cfg.API.GRPCAddr != "" {
		go func() {
			if err := apiServer.StartGRPC(cfg.API.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
	}

	logger := log.WithComponent("fleetsync")
	logger.Info().
		Str("version", Version).
		Str("api_addr", cfg.API.Addr).
		Int("fleets", len(cfg.Fleets)).
		Msg("fleetsync is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API server did not stop cleanly")
	}
	if err := mgr.Shutdown(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify that every configured fleet is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Provider.Type != config.ProviderEC2 {
			fmt.Printf("provider %s needs no connection check\n", cfg.Provider.Type)
			return nil
		}

		ctx := cmd.Context()
		gw, err := ec2.NewGateway(ctx, manager.EC2Config(cfg.Provider), log.Logger)
		if err != nil {
			return err
		}

		var errs []error
		for _, f := range cfg.Fleets {
			if err := gw.CheckConnection(ctx, f.ID); err != nil {
				fmt.Printf("✗ %s: %v\n", f.ID, err)
				errs = append(errs, err)
				continue
			}
			fmt.Printf("✓ %s\n", f.ID)
		}
		return errors.Join(errs...)
	},
}

var fleetsCmd = &cobra.Command{
	Use:   "fleets",
	Short: "Inspect spot fleet requests in the configured account",
}

var fleetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List spot fleet requests visible to the configured credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Provider.Type != config.ProviderEC2 {
			return fmt.Errorf("fleets list requires the ec2 provider")
		}

		ctx := cmd.Context()
		gw, err := ec2.NewGateway(ctx, manager.EC2Config(cfg.Provider), log.Logger)
		if err != nil {
			return err
		}
		fleets, err := gw.ListFleets(ctx)
		if err != nil {
			return err
		}

		w := newTable()
		fmt.Fprintln(w, "ID\tSTATE\tTARGET")
		for _, f := range fleets {
			fmt.Fprintf(w, "%s\t%s\t%d\n", f.ID, f.State, f.TargetCapacity)
		}
		return w.Flush()
	},
}

func init() {
	for _, cmd := range []*cobra.Command{checkCmd, fleetsListCmd} {
		cmd.Flags().StringP("config", "c", "fleetsync.yaml", "Configuration file")
	}
	fleetsCmd.AddCommand(fleetsListCmd)
}
