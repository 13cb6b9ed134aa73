package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ehr/phicore/internal/domain/clinical"
	"github.com/ehr/phicore/internal/domain/identity"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

// backfillActor is the audit actor recorded for command-line backfills.
const backfillActor = "system:backfill"

func phiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phi",
		Short: "PHI encryption maintenance commands",
	}
	cmd.AddCommand(backfillCmd())
	return cmd
}

func backfillCmd() *cobra.Command {
	var (
		validateOnly bool
		entities     []string
		pageSize     int
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Encrypt plaintext PHI already stored in sensitive columns",
		Long: `Scans every sensitive attribute and encrypts values still stored as
plaintext. With --validate-only nothing is written and the report shows how
many values would be migrated. Runs are resumable: already encrypted values
are left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, logger, pool, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			metricsProvider, metrics, err := newMetrics(cfg)
			if err != nil {
				return err
			}
			if metricsProvider != nil {
				defer metricsProvider.Shutdown(context.Background())
			}

			phi, err := newPHIStack(cfg, logger, metrics)
			if err != nil {
				return err
			}
			if phi.encryption.IsEphemeral() && !validateOnly {
				return errors.New("refusing to migrate with an ephemeral key: set PHI_MASTER_KEY")
			}

			targets, err := selectTargets(backfillTargets(pool), entities)
			if err != nil {
				return err
			}

			size := pageSize
			if size <= 0 {
				size = cfg.BackfillPageSize
			}
			mode := hipaa.BackfillMigrate
			if validateOnly {
				mode = hipaa.BackfillValidateOnly
			}

			sink := hipaa.MultiSink{hipaa.NewAuditLogger(pool), hipaa.NewLogAuditSink(logger)}
			backfiller := hipaa.NewBackfiller(phi.schema, phi.encryption.Encryptor(), targets, logger,
				hipaa.WithPageSize(size),
				hipaa.WithBackfillMetrics(metrics),
				hipaa.WithBackfillAudit(sink, backfillActor),
			)

			report, runErr := backfiller.Run(ctx, mode)
			if report != nil {
				printBackfillReport(cmd.OutOrStdout(), report)
			}
			if runErr != nil {
				return fmt.Errorf("backfill: %w", runErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "report what would change without writing")
	cmd.Flags().StringSliceVar(&entities, "entity", nil, "restrict the run to these entities (repeatable)")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "rows per page (defaults to BACKFILL_PAGE_SIZE)")
	return cmd
}

func backfillTargets(pool *pgxpool.Pool) []hipaa.BackfillTarget {
	return []hipaa.BackfillTarget{
		identity.NewPatientBackfillTarget(pool),
		clinical.NewNoteBackfillTarget(pool),
	}
}

// selectTargets keeps the targets named in entities, preserving their order.
// An empty filter keeps everything.
func selectTargets(all []hipaa.BackfillTarget, entities []string) ([]hipaa.BackfillTarget, error) {
	if len(entities) == 0 {
		return all, nil
	}
	byName := make(map[string]hipaa.BackfillTarget, len(all))
	for _, t := range all {
		byName[t.EntityName()] = t
	}

	wanted := make(map[string]bool, len(entities))
	var unknown []string
	for _, e := range entities {
		e = strings.TrimSpace(e)
		if _, ok := byName[e]; !ok {
			unknown = append(unknown, e)
			continue
		}
		wanted[e] = true
	}
	if len(unknown) > 0 {
		known := make([]string, 0, len(byName))
		for name := range byName {
			known = append(known, name)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("unknown entity %s (known: %s)", strings.Join(unknown, ", "), strings.Join(known, ", "))
	}

	var out []hipaa.BackfillTarget
	for _, t := range all {
		if wanted[t.EntityName()] {
			out = append(out, t)
		}
	}
	return out, nil
}

func printBackfillReport(w io.Writer, r *hipaa.BackfillReport) {
	fmt.Fprintf(w, "Backfill mode: %s  duration: %s\n", r.Mode, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "%-20s %-10s %-10s %-12s %-10s %-12s %s\n",
		"ENTITY", "SCANNED", "MIGRATED", "STILL PLAIN", "ROWS", "FOREIGN KEY", "ERROR")
	row := func(e hipaa.EntityReport) {
		errText := e.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%-20s %-10d %-10d %-12d %-10d %-12d %s\n",
			e.Entity, e.Scanned, e.Migrated, e.StillPlain, e.RowsWritten, e.ForeignKeyID, errText)
	}
	for _, e := range r.Entities {
		row(e)
	}
	totals := r.Totals
	totals.Entity = "TOTAL"
	row(totals)
}
