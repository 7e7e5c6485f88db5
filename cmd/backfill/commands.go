package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/scm-mirror/internal/app"
	"github.com/scm-mirror/internal/config"
	"github.com/scm-mirror/internal/logging"
	"github.com/scm-mirror/internal/models"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "backfill",
		Short: "Operate historical backfill of mirrored repositories",
		Long: `backfill walks monitored repositories from their oldest known item
downwards until the full history is mirrored. Each run processes a bounded
batch per repository so it can be scheduled alongside forward sync.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	root.AddCommand(newRunCmd(), newProgressCmd(), newDiscoverCmd())
	return root
}

// withApp loads configuration, wires the components and hands them to fn
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	level := cfg.Logging.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(level), logging.ParseLogFormat(cfg.Logging.Format))
	ctx := logging.WithLogger(cmd.Context(), logging.GetGlobalLogger())

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.Start(ctx)
	return fn(ctx, a)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one backfill cycle across every eligible scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Backfill.RunBackfillCycle(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func newProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <sync-target-id>",
		Short: "Show backfill progress for one sync target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sync target id %q", args[0])
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				progress, err := a.Backfill.GetProgress(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(progress)
			})
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Register every repository an installation can see as a sync target",
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeID, _ := cmd.Flags().GetInt64("scope")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return discover(ctx, a, scopeID, dryRun)
			})
		},
	}
	cmd.Flags().Int64("scope", 0, "Only discover repositories of this scope (default: every eligible scope)")
	cmd.Flags().Bool("dry-run", false, "List repositories without registering them")
	return cmd
}

type discovered struct {
	ScopeID int64  `json:"scopeId"`
	Owner   string `json:"owner"`
	Name    string `json:"name"`
	Added   bool   `json:"added"`
	Skipped string `json:"skipped,omitempty"`
}

func discover(ctx context.Context, a *app.App, scopeID int64, dryRun bool) error {
	logger := logging.FromContext(ctx)
	targets := a.Registry.SyncTargetProvider()

	var scopes []int64
	if scopeID != 0 {
		scopes = []int64{scopeID}
	} else {
		eligible, err := targets.ListEligibleScopes(ctx)
		if err != nil {
			return err
		}
		for _, s := range eligible {
			scopes = append(scopes, s.ID)
		}
	}

	filter, filtering := a.Registry.Filter.Get()
	var out []discovered
	for _, id := range scopes {
		client, err := a.Clients.ForScope(ctx, id)
		if err != nil {
			logger.WithScope(id).WithError(err).Warn("Skipping scope without credentials")
			continue
		}
		repos, err := client.InstallationRepositories(ctx)
		if err != nil {
			logger.WithScope(id).WithError(err).Warn("Failed to list installation repositories")
			continue
		}
		for _, repo := range repos {
			entry := discovered{ScopeID: id, Owner: repo.Owner, Name: repo.Name}
			switch {
			case filtering && filter.FilteringActive() && !filter.Allowed(repo.Owner, repo.Name):
				entry.Skipped = "not allowed"
			case dryRun:
				entry.Skipped = "dry run"
			default:
				var target *models.SyncTarget
				target, err = targets.AddSyncTarget(ctx, id, repo.Owner, repo.Name)
				if err != nil {
					return err
				}
				entry.Added = target != nil
			}
			out = append(out, entry)
		}
	}
	return printJSON(out)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
