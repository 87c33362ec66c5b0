// cmd/tracectl/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/javajoker/traceledger/internal/bootstrap"
	"github.com/javajoker/traceledger/internal/config"
	"github.com/javajoker/traceledger/internal/middleware"
	"github.com/javajoker/traceledger/internal/models"
	"github.com/javajoker/traceledger/internal/services"
	"github.com/javajoker/traceledger/internal/utils"
)

type rootOptions struct {
	JSON bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "tracectl",
		Short:         "Operate the traceability ledger service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print JSON instead of tables")

	cmd.AddCommand(newOpsCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newRepairCommand(opts))
	cmd.AddCommand(newTokenCommand())
	return cmd
}

func newOpsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Inspect and replay synchronization operations",
	}

	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List failed operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				entries, err := app.Sync.ListOperations(ctx, models.StageFailed, limit)
				if err != nil {
					return err
				}
				return printOperations(opts, entries)
			})
		},
	}
	failed.Flags().IntVar(&limit, "limit", 50, "maximum number of operations")

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List operations that have not reached a terminal stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				var all []models.OperationEntry
				for _, stage := range models.InFlightStages {
					entries, err := app.Sync.ListOperations(ctx, stage, limit)
					if err != nil {
						return err
					}
					all = append(all, entries...)
				}
				return printOperations(opts, all)
			})
		},
	}
	pending.Flags().IntVar(&limit, "limit", 50, "maximum number of operations per stage")

	var force bool
	replay := &cobra.Command{
		Use:   "replay <key>",
		Short: "Reset a failed operation and drive it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				entry, err := app.Sync.Replay(ctx, args[0], force)
				if err != nil {
					return err
				}
				return printOperations(opts, []models.OperationEntry{entry})
			})
		},
	}
	replay.Flags().BoolVar(&force, "force", false, "replay even if automated repair was halted")

	cmd.AddCommand(failed, pending, replay)
	return cmd
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <qr-code>",
		Short: "Compare the record store with the ledger for a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				result, err := app.Verification.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				return printVerification(opts, result)
			})
		},
	}
}

func newRepairCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repair <qr-code>",
		Short: "Replay ledger-confirmed operations and anchor drafts for a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				result, err := app.Verification.Repair(ctx, "", args[0])
				if result != nil {
					if perr := printVerification(opts, result); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func newTokenCommand() *cobra.Command {
	var role, username string
	var ttl int

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a JWT for local development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Environment == "production" {
				return fmt.Errorf("refusing to mint tokens in production")
			}
			if ttl <= 0 {
				ttl = cfg.JWT.AccessTokenTTL
			}
			utils.SetJWTSecret(cfg.JWT.SecretKey)

			token, err := utils.GenerateJWT(args[0], username, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", middleware.RoleManufacturer, "role claim")
	cmd.Flags().StringVar(&username, "username", "", "username claim")
	cmd.Flags().IntVar(&ttl, "ttl", 0, "token lifetime in hours")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *bootstrap.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	bootstrap.ConfigureLogging(cfg)
	logrus.SetOutput(os.Stderr)
	if logrus.GetLevel() > logrus.WarnLevel {
		logrus.SetLevel(logrus.WarnLevel)
	}

	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	runErr := fn(ctx, app)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.OperationBudget+5*time.Second)
	defer cancel()
	if err := app.Sync.Close(closeCtx); err != nil {
		logrus.WithError(err).Warn("Operations still running at exit, the reconciler will resume them")
	}
	return runErr
}

func printOperations(opts *rootOptions, entries []models.OperationEntry) error {
	if opts.JSON {
		return printJSON(entries)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Key", "Kind", "Stage", "Attempts", "Halted", "Tx", "Updated", "Last Error"})
	for _, e := range entries {
		tw.AppendRow(table.Row{
			e.Key,
			e.Kind,
			e.Stage,
			e.Attempts,
			e.Halted,
			e.LedgerRef.TxHash,
			e.UpdatedAt.Format(time.RFC3339),
			e.LastError,
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "", "Total", len(entries)})
	tw.Render()
	return nil
}

func printVerification(opts *rootOptions, result *services.VerificationResult) error {
	if opts.JSON {
		return printJSON(result)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"QR Code", "Authentic", "Class", "Ledger Steps", "Store Steps", "Reason"})
	tw.AppendRow(table.Row{
		result.QRCode,
		result.Authentic,
		result.Divergence.Class,
		result.Divergence.LedgerStepCount,
		result.Divergence.StoreStepCount,
		result.Divergence.Reason,
	})
	tw.Render()
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
