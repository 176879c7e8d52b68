package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sis-migrate/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run the six-stage table migration pipeline",
	Long: `Runs legacy table exports through import, profile, clean, validate,
transform and split. Each stage persists its output in the staging
workspace so later runs can resume from any stage.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return cfg.Validate("pipeline")
	},
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a stage range for one table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts, err := parsePipelineRunOpts(cmd)
		if err != nil {
			return err
		}

		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		table, err := cat.Get(opts.Table)
		if err != nil {
			return err
		}

		src := opts.Source
		if src == "" && opts.Start == pipeline.StageImport {
			src, err = findSource(opts.SourceDir, table.SourcePattern)
			if err != nil {
				return err
			}
		}

		st, err := openStaging()
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		orch, err := pipeline.New(table, st, pipeline.Options{EnforceQualityGate: cfg.Pipeline.EnforceQualityGate})
		if err != nil {
			return err
		}

		res, runErr := orch.Execute(ctx, src, opts.Start, opts.End, opts.DryRun)
		if err := emitPipelineReport(table.Name, res); err != nil {
			zap.L().Warn("pipeline: report not written", zap.Error(err))
		}
		return runErr
	},
}

var pipelineResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a table from a stage using persisted outputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		table, _ := cmd.Flags().GetString("table")
		if table == "" {
			return eris.New("pipeline resume: --table is required")
		}
		stageStr, _ := cmd.Flags().GetString("stage")
		stage, err := parseStage(stageStr)
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		tc, err := cat.Get(table)
		if err != nil {
			return err
		}

		st, err := openStaging()
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		orch, err := pipeline.New(tc, st, pipeline.Options{EnforceQualityGate: cfg.Pipeline.EnforceQualityGate})
		if err != nil {
			return err
		}
		res, runErr := orch.Resume(ctx, stage, dryRun)
		if res != nil {
			if err := emitPipelineReport(tc.Name, res); err != nil {
				zap.L().Warn("pipeline: report not written", zap.Error(err))
			}
		}
		return runErr
	},
}

var pipelineCleanAllCmd = &cobra.Command{
	Use:   "clean-all",
	Short: "Clean several tables in dependency order, sharing header values",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		names := splitList(mustString(cmd, "tables"))
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		st, err := openStaging()
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cleaner := pipeline.NewMultiTableCleaner(cat.All(), st, pipeline.Options{})
		sum, runErr := cleaner.Run(ctx, names, dryRun)
		if sum != nil {
			report := pipeline.FormatMultiTableReport(sum)
			fmt.Print(report)
			if path, err := writeReport(cfg.Pipeline.ReportsDir, "multi_table_clean.md", report); err != nil {
				zap.L().Warn("pipeline: report not written", zap.Error(err))
			} else {
				zap.L().Info("pipeline: report written", zap.String("path", path))
			}
		}
		return runErr
	},
}

var pipelineOrderCmd = &cobra.Command{
	Use:   "order",
	Short: "Print the dependency processing order of the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		cleaner := pipeline.NewMultiTableCleaner(cat.All(), nil, pipeline.Options{})
		order, err := cleaner.Order(splitList(mustString(cmd, "tables")))
		if err != nil {
			return err
		}
		for i, name := range order {
			fmt.Printf("%d. %s\n", i+1, name)
		}
		return nil
	},
}

func init() {
	pipelineRunCmd.Flags().String("table", "", "table name from the catalog (required)")
	pipelineRunCmd.Flags().String("source", "", "legacy export to import (.csv or .xlsx)")
	pipelineRunCmd.Flags().String("source-dir", ".", "directory searched with the table's source_pattern when --source is empty")
	pipelineRunCmd.Flags().String("start", "1", "first stage (number or name)")
	pipelineRunCmd.Flags().String("end", "6", "last stage (number or name)")
	pipelineRunCmd.Flags().Bool("dry-run", false, "run in a transaction that is rolled back")

	pipelineResumeCmd.Flags().String("table", "", "table name from the catalog (required)")
	pipelineResumeCmd.Flags().String("stage", "", "stage to resume from, 2-6 (number or name)")
	pipelineResumeCmd.Flags().Bool("dry-run", false, "run in a transaction that is rolled back")

	pipelineCleanAllCmd.Flags().String("tables", "", "comma-separated tables (default: all)")
	pipelineCleanAllCmd.Flags().Bool("dry-run", false, "run in a transaction that is rolled back")

	pipelineOrderCmd.Flags().String("tables", "", "comma-separated tables (default: all)")

	pipelineCmd.AddCommand(pipelineRunCmd, pipelineResumeCmd, pipelineCleanAllCmd, pipelineOrderCmd)
	rootCmd.AddCommand(pipelineCmd)
}

// pipelineRunOpts holds the parsed flags of "pipeline run".
type pipelineRunOpts struct {
	Table     string
	Source    string
	SourceDir string
	Start     pipeline.Stage
	End       pipeline.Stage
	DryRun    bool
}

// parsePipelineRunOpts extracts pipelineRunOpts from the cobra command flags.
func parsePipelineRunOpts(cmd *cobra.Command) (pipelineRunOpts, error) {
	table, _ := cmd.Flags().GetString("table")
	source, _ := cmd.Flags().GetString("source")
	sourceDir, _ := cmd.Flags().GetString("source-dir")
	startStr, _ := cmd.Flags().GetString("start")
	endStr, _ := cmd.Flags().GetString("end")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if table == "" {
		return pipelineRunOpts{}, eris.New("pipeline run: --table is required")
	}
	start, err := parseStage(startStr)
	if err != nil {
		return pipelineRunOpts{}, err
	}
	end, err := parseStage(endStr)
	if err != nil {
		return pipelineRunOpts{}, err
	}
	if start > end {
		return pipelineRunOpts{}, eris.Errorf("pipeline run: start stage %s is after end stage %s", start, end)
	}

	return pipelineRunOpts{
		Table:     table,
		Source:    source,
		SourceDir: sourceDir,
		Start:     start,
		End:       end,
		DryRun:    dryRun,
	}, nil
}

// parseStage accepts a stage number ("3") or name ("clean", "3_clean").
func parseStage(s string) (pipeline.Stage, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		st := pipeline.Stage(n)
		if !st.Valid() {
			return 0, eris.Errorf("unknown stage %q", s)
		}
		return st, nil
	}
	for st := pipeline.StageImport; st <= pipeline.StageSplit; st++ {
		name := st.String()
		if s == name || s == name[strings.Index(name, "_")+1:] {
			return st, nil
		}
	}
	return 0, eris.Errorf("unknown stage %q", s)
}

// findSource returns the first file in dir matching pattern, by name.
func findSource(dir, pattern string) (string, error) {
	if pattern == "" {
		return "", eris.New("no --source given and the table has no source_pattern")
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", eris.Wrapf(err, "match %s", pattern)
	}
	if len(matches) == 0 {
		return "", eris.Errorf("no file matching %s in %s", pattern, dir)
	}
	sort.Strings(matches)
	return matches[0], nil
}

func emitPipelineReport(table string, res *pipeline.Result) error {
	report := pipeline.FormatReport(res)
	fmt.Print(report)
	path, err := writeReport(cfg.Pipeline.ReportsDir, table+"_pipeline.md", report)
	if err != nil {
		return err
	}
	zap.L().Info("pipeline: report written", zap.String("path", path))
	return nil
}

// writeReport writes content to dir/name. An empty dir disables reports.
func writeReport(dir, name, content string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "create reports dir %s", dir)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", eris.Wrapf(err, "write report %s", path)
	}
	return path, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
