package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/pricewatch/backend/internal/app"
	"github.com/kimhsiao/pricewatch/backend/internal/archive"
	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/conflict"
)

// engine adapts fn into a RunE that receives the opened App. The App is
// closed when fn returns, whether or not it failed.
func (s *session) engine(fn func(cmd *cobra.Command, args []string, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer s.teardown()
		return fn(cmd, args, s.app)
	}
}

// emit prints v as JSON under --json and otherwise calls human.
func (s *session) emit(cmd *cobra.Command, v any, human func() error) error {
	if s.jsonOut {
		return writeJSON(cmd.OutOrStdout(), v)
	}
	return human()
}

func readRecord(path string) (models.Record, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "read "+path, err)
	}
	var record models.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "parse "+path, err)
	}
	return record, nil
}

func newDetectCmd(s *session) *cobra.Command {
	var localPath, remotePath, action, auto string

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Compare a local and a remote record and store any conflicts",
		Long: "Compare a locally modified record with the remote version. Both are JSON " +
			"files; omit --remote when the server has no such record. Detected conflicts " +
			"are stored as pending, or resolved at once with --auto.",
		Args: cobra.NoArgs,
		RunE: s.engine(func(cmd *cobra.Command, args []string, a *app.App) error {
			local, err := readRecord(localPath)
			if err != nil {
				return err
			}
			remote, err := readRecord(remotePath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			result, err := a.Conflicts.DetectConflicts(ctx, local, remote, models.Action(action))
			if err != nil {
				return err
			}

			if auto == "" || !result.HasConflicts {
				return s.emit(cmd, result, func() error { return printDetection(cmd.OutOrStdout(), result) })
			}

			resolutions, err := a.Conflicts.ResolveConflictsAutomatically(ctx, result.Conflicts, auto)
			if err != nil {
				return err
			}
			out := struct {
				*conflict.DetectionResult
				Resolutions []*models.ConflictResolution `json:"resolutions"`
			}{result, resolutions}
			return s.emit(cmd, out, func() error {
				if err := printDetection(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return printResolutions(cmd.OutOrStdout(), resolutions)
			})
		}),
	}

	cmd.Flags().StringVar(&localPath, "local", "", "JSON file with the local record")
	cmd.Flags().StringVar(&remotePath, "remote", "", "JSON file with the remote record")
	cmd.Flags().StringVar(&action, "action", string(models.ActionUpdate), "local action: create, update or delete")
	cmd.Flags().StringVar(&auto, "auto", "", "resolve detected conflicts with this strategy")
	cmd.MarkFlagRequired("local")
	return cmd
}

func newPendingCmd(s *session) *cobra.Command {
	var entity string

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List conflicts awaiting resolution",
		Args:  cobra.NoArgs,
		RunE: s.engine(func(cmd *cobra.Command, args []string, a *app.App) error {
			var (
				conflicts []*models.Conflict
				err       error
			)
			if entity != "" {
				conflicts, err = a.Conflicts.GetPendingConflictsFor(cmd.Context(), entity)
			} else {
				conflicts, err = a.Conflicts.GetPendingConflicts(cmd.Context())
			}
			if err != nil {
				return err
			}
			return s.emit(cmd, conflicts, func() error { return printConflicts(cmd.OutOrStdout(), conflicts) })
		}),
	}
	cmd.Flags().StringVar(&entity, "entity", "", "only conflicts of this record id")
	return cmd
}

func newShowCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one conflict",
		Args:  cobra.ExactArgs(1),
		RunE: s.engine(func(cmd *cobra.Command, args []string, a *app.App) error {
			c, err := a.Conflicts.GetConflict(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return s.emit(cmd, c, func() error { return printConflict(cmd.OutOrStdout(), c) })
		}),
	}
}

func newHistoryCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List past resolutions",
		Args:  cobra.NoArgs,
		RunE: s.engine(func(cmd *cobra.Command, args []string, a *app.App) error {
			history, err := a.Conflicts.GetResolutionHistory(cmd.Context())
			if err != nil {
				return err
			}
			return s.emit(cmd, history, func() error { return printResolutions(cmd.OutOrStdout(), history) })
		}),
	}
}

func newStatsCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show conflict counts by status, type and severity",
		Args:  cobra.NoArgs,
		RunE: s.engine(func(cmd *cobra.Command, args []string, a *app.App) error {
			stats, err := a.Conflicts.GetConflictStatistics(cmd.Context())
			if err != nil {
				return err
			}
			return s.emit(cmd, stats, func() error { return printStatistics(cmd.OutOrStdout(), stats) })
		}),
	}
}

func newResolveCmd(s *session) *cobra.Command {
	var outcome, details string

	cmd := &cobra.Command{
		Use:   "resolve ID",
		Short: "Record a manual decision for a pending conflict",
		Args:  cobra.ExactArgs(1),
		RunE: s.engine(func(cmd *cobra.Command, args []string, a *app.App) error {
			res, err := a.Conflicts.ResolveConflictManually(cmd.Context(), args[0], models.Outcome(outcome), details)
			if err != nil {
				return err
			}
			return s.emit(cmd, res, func() error { return printResolution(cmd.OutOrStdout(), res, true) })
		}),
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "local, remote, merge or skip")
	cmd.Flags().StringVar(&details, "details", "", "free-form note stored with the resolution")
	cmd.MarkFlagRequired("outcome")
	return cmd
}

func newApplyCmd(s *session) *cobra.Command {
	var strategyID string

	cmd := &cobra.Command{
		Use:   "apply ID",
		Short: "Run a resolution strategy against a pending conflict",
		Long: "Run a strategy against a pending conflict. Automatic strategies resolve the " +
			"conflict; other strategies only print the proposed resolution.",
		Args: cobra.ExactArgs(1),
		RunE: s.engine(func(cmd *cobra.Command, args []string, a *app.App) error {
			res, err := a.Conflicts.ApplyStrategy(cmd.Context(), args[0], strategyID)
			if err != nil {
				return err
			}
			persisted := res.Strategy.Automatic
			return s.emit(cmd, res, func() error { return printResolution(cmd.OutOrStdout(), res, persisted) })
		}),
	}
	cmd.Flags().StringVar(&strategyID, "strategy", "", "strategy id (see 'pricewatch strategies')")
	cmd.MarkFlagRequired("strategy")
	return cmd
}

func newCleanupCmd(s *session) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete resolved conflicts older than the retention window",
		Args:  cobra.NoArgs,
		RunE: s.engine(func(cmd *cobra.Command, args []string, a *app.App) error {
			if !cmd.Flags().Changed("days") {
				days = a.Config.RetentionDays
			}
			deleted, err := a.Conflicts.CleanupResolvedConflicts(cmd.Context(), days)
			if err != nil {
				return err
			}
			out := map[string]int{"deleted": deleted, "retentionDays": days}
			return s.emit(cmd, out, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d resolved conflict(s) older than %d days.\n", deleted, days)
				return err
			})
		}),
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention window in days (default from config)")
	return cmd
}

func newSyncCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued mutations to the remote replica once",
		Args:  cobra.NoArgs,
		RunE: s.engine(func(cmd *cobra.Command, args []string, a *app.App) error {
			if a.Reconciler == nil {
				return apperrors.New(apperrors.ErrConfigInvalid, "remote_dsn is not set")
			}
			result, err := a.Reconciler.Sync(cmd.Context())
			if err != nil {
				return err
			}
			return s.emit(cmd, result, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(),
					"Processed %d: %d pushed, %d pulled, %d conflict(s), %d auto-resolved, %d failed (%s)\n",
					result.Processed, result.Pushed, result.Pulled, result.Conflicts,
					result.AutoResolved, result.Failed, result.Duration.Round(time.Millisecond))
				return err
			})
		}),
	}
}

func newExportCmd(s *session) *cobra.Command {
	var out, password string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write conflicts and queued mutations to an archive",
		Args:  cobra.NoArgs,
		RunE: s.engine(func(cmd *cobra.Command, args []string, a *app.App) error {
			f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrValidation, "create "+out, err)
			}
			manifest, err := archive.Export(cmd.Context(), a.Store, f, archive.ExportOptions{Password: password})
			if cerr := f.Close(); err == nil && cerr != nil {
				err = apperrors.Wrap(apperrors.ErrInternal, "close "+out, cerr)
			}
			if err != nil {
				os.Remove(out)
				return err
			}

			return s.emit(cmd, manifest, func() error {
				size := "unknown size"
				if info, err := os.Stat(out); err == nil {
					size = humanize.Bytes(uint64(info.Size()))
				}
				lock := ""
				if manifest.Encrypted {
					lock = " (encrypted)"
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Exported %d record(s) to %s, %s%s\n",
					manifest.ItemCount, out, size, lock)
				return err
			})
		}),
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "archive file to write")
	cmd.Flags().StringVar(&password, "password", "", "encrypt the archive with this password")
	cmd.MarkFlagRequired("out")
	return cmd
}

func newImportCmd(s *session) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Restore an archive, keeping records that already exist",
		Args:  cobra.ExactArgs(1),
		RunE: s.engine(func(cmd *cobra.Command, args []string, a *app.App) error {
			f, err := os.Open(args[0])
			if err != nil {
				return apperrors.Wrap(apperrors.ErrValidation, "open "+args[0], err)
			}
			defer f.Close()

			result, err := archive.Import(cmd.Context(), a.Store, f, password)
			if err != nil {
				return err
			}
			return s.emit(cmd, result, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Imported %d record(s), skipped %d already present (archive from %s).\n",
					result.Imported, result.Skipped, humanize.Time(result.Manifest.ExportedAt))
				return err
			})
		}),
	}
	cmd.Flags().StringVar(&password, "password", "", "password of an encrypted archive")
	return cmd
}

func newStrategiesCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:         "strategies",
		Short:       "List the resolution strategies",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoEngine: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			strategies := conflict.Strategies()
			return s.emit(cmd, strategies, func() error { return printStrategies(cmd.OutOrStdout(), strategies) })
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the pricewatch version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoEngine: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "pricewatch v%s\n", Version)
			return err
		},
	}
}
