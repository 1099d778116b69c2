package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/dcdl-sim/controller/internal/config"
	"github.com/dcdl-sim/controller/internal/database"
	"github.com/dcdl-sim/controller/internal/storage/gormstore"
)

var (
	reportDB       string
	reportPostgres bool
)

var reportCmd = &cobra.Command{
	Use:   "report [runID...]",
	Short: "Summarize recorded runs from a SQLite dump or Postgres",
	Long: `report lists the recorded runs and, for every run id given, prints the ` +
		`per-cycle layout and reward. Without --db or --postgres the newest dump ` +
		`in storage.sqlite.dumpDir is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(configDir); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v, using defaults\n", err)
		}
		db, err := openReportDB()
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		return writeReport(cmd.OutOrStdout(), gormstore.New(gormstore.Dependencies{DB: db, DBLog: zerolog.Nop()}), args)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportDB, "db", "", "path to a SQLite run dump")
	reportCmd.Flags().BoolVar(&reportPostgres, "postgres", false, "read from the configured Postgres database")
}

func openReportDB() (*gorm.DB, error) {
	if reportPostgres {
		return database.OpenPostgres(config.GetDBConfig())
	}
	path := reportDB
	if path == "" {
		dir := config.GetStorageConfig().SQLite.DumpDir
		paths, err := database.GetBackupDBPaths(dir)
		if err != nil {
			return nil, fmt.Errorf("listing dumps in %s: %w", dir, err)
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("no run dumps in %s", dir)
		}
		path = newest(paths)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return database.OpenSqlite(path)
}

func newest(paths []string) string {
	type entry struct {
		path string
		mod  int64
	}
	entries := make([]entry, 0, len(paths))
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil {
			entries = append(entries, entry{p, fi.ModTime().UnixNano()})
		}
	}
	if len(entries) == 0 {
		return paths[len(paths)-1]
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mod > entries[j].mod })
	return entries[0].path
}

// writeReport prints the run table followed by the cycles of each requested run.
func writeReport(out io.Writer, store *gormstore.Backend, runIDs []string) error {
	runs, err := store.Runs()
	if err != nil {
		return fmt.Errorf("reading runs: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tMODE\tSTARTED\tSEGMENTS\tLANE CHANGES")
	for _, r := range runs {
		n, err := store.LaneChangeCount(r.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
			r.ID, r.ControlMode, r.StartTime.Format("2006-01-02 15:04:05"), len(r.Segments), n)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, id := range runIDs {
		cycles, err := store.Cycles(id)
		if err != nil {
			return fmt.Errorf("run %s: %w", id, err)
		}
		fmt.Fprintf(out, "\n%s\n", id)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CYCLE\tTICK\tR\tN\tM\tHCL\tTHROUGHPUT\tSPEED\tSAFETY\tREWARD")
		for _, c := range cycles {
			fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%.3f\t%.3f\t%.3f\t%.3f\n",
				c.Cycle, c.Tick, c.R, c.N, c.M, c.HCL, c.Throughput, c.Speed, c.Safety, c.Reward)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
