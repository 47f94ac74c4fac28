package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/HeapDB/src"
	"github.com/Blackdeer1524/HeapDB/src/config"
	"github.com/Blackdeer1524/HeapDB/src/engine"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
)

type cliOptions struct {
	fs         afero.Fs
	configPath string
	dataDir    string
	verbose    bool
}

func (o *cliOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.fs, o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	return cfg, nil
}

// withEngine opens the engine for the duration of fn. Commands log only
// when asked to, so that their output stays readable.
func (o *cliOptions) withEngine(fn func(e *engine.Engine) error) (err error) {
	cfg, err := o.load()
	if err != nil {
		return err
	}

	log := src.NopLogger()
	if o.verbose {
		log = newLogger(cfg.Environment)
		defer func() { _ = log.Sync() }()
	}

	e, err := engine.Open(o.fs, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, e.Close()) }()

	return fn(e)
}

// NewRootCommand builds the heapdb command tree working on fs.
func NewRootCommand(fs afero.Fs) *cobra.Command {
	opts := &cliOptions{fs: fs}

	root := &cobra.Command{
		Use:           "heapdb",
		Short:         "Page-based heap storage with a transactional buffer pool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a TOML config file")
	root.PersistentFlags().StringVarP(&opts.dataDir, "data-dir", "d", "", "data directory (overrides the config)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log engine events to stderr")

	root.AddCommand(
		newInitCommand(opts),
		newCreateTableCommand(opts),
		newTablesCommand(opts),
		newInsertCommand(opts),
		newScanCommand(opts),
		newDeleteCommand(opts),
		newStatsCommand(opts),
		newLogCommand(opts),
		newBenchCommand(opts),
		newServeCommand(opts),
	)
	return root
}

func newInitCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the data directory and an empty catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEngine(func(e *engine.Engine) error {
				if err := e.Catalog().Save(); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", e.Config().DataDir)
				return err
			})
		},
	}
}

func newCreateTableCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "create-table NAME COLUMN:TYPE...",
		Short:   "Register a table; types are int64, string and uuid",
		Example: "heapdb create-table users id:int64 name:string",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := engine.ParseSchema(args[1:])
			if err != nil {
				return err
			}

			return opts.withEngine(func(e *engine.Engine) error {
				id, err := e.CreateTable(args[0], desc)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "created %s %s (file %d)\n", args[0], desc, id)
				return err
			})
		},
	}
}

func newTablesCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List the tables of the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEngine(func(e *engine.Engine) error {
				out := cmd.OutOrStdout()
				for _, t := range e.Tables() {
					if _, err := fmt.Fprintf(out, "%s\t%s\t%s\n", t.Name, t.Schema, t.PathToFile); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newInsertCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "insert TABLE VALUE...",
		Short: "Insert one row in its own transaction",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(e *engine.Engine) error {
				t, err := e.Table(args[0])
				if err != nil {
					return err
				}
				values, err := engine.ParseRow(t.Schema, args[1:])
				if err != nil {
					return err
				}

				return e.Execute(cmd.Context(), func(ctx context.Context, txnID common.TxnID) error {
					tup, err := e.Insert(ctx, txnID, args[0], values...)
					if err != nil {
						return err
					}
					rid, _ := tup.RecordID()
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "inserted %v\n", rid)
					return err
				})
			})
		},
	}
}

func newScanCommand(opts *cliOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "scan TABLE",
		Short: "Print the rows of a table, tab separated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(e *engine.Engine) error {
				return e.Execute(cmd.Context(), func(ctx context.Context, txnID common.TxnID) error {
					n := 0
					for tup, err := range e.Scan(ctx, txnID, args[0]) {
						if err != nil {
							return err
						}
						if _, err := fmt.Fprintln(cmd.OutOrStdout(), tup); err != nil {
							return err
						}
						n++
						if limit > 0 && n == limit {
							break
						}
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after this many rows")
	return cmd
}

func newDeleteCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete TABLE COLUMN VALUE",
		Short: "Delete every row whose column equals the value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, column, raw := args[0], args[1], args[2]

			return opts.withEngine(func(e *engine.Engine) error {
				t, err := e.Table(table)
				if err != nil {
					return err
				}
				idx, err := t.Schema.IndexOf(column)
				if err != nil {
					return err
				}
				ct, err := t.Schema.FieldType(idx)
				if err != nil {
					return err
				}
				want, err := storage.ParseValue(ct, raw)
				if err != nil {
					return err
				}

				deleted := 0
				err = e.Execute(cmd.Context(), func(ctx context.Context, txnID common.TxnID) error {
					var victims []*storage.Tuple
					for tup, err := range e.Scan(ctx, txnID, table) {
						if err != nil {
							return err
						}
						if v, err := tup.Value(idx); err == nil && v.Equal(want) {
							victims = append(victims, tup)
						}
					}

					for _, tup := range victims {
						if err := e.Delete(ctx, txnID, tup); err != nil {
							return err
						}
					}
					deleted = len(victims)
					return nil
				})
				if err != nil {
					return err
				}

				_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d rows\n", deleted)
				return err
			})
		},
	}
}

func newStatsCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print buffer pool statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEngine(func(e *engine.Engine) error {
				return writeJSON(cmd.OutOrStdout(), e.Stats())
			})
		},
	}
}

func newLogCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "Dump the records of the write-ahead log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEngine(func(e *engine.Engine) error {
				out := cmd.OutOrStdout()
				for rec, err := range e.Log().Records() {
					if err != nil {
						return err
					}
					_, err := fmt.Fprintf(
						out,
						"lsn=%d txn=%d page=%v before=%dB after=%dB\n",
						rec.LSN,
						rec.TxnID,
						rec.PageID,
						len(rec.Before),
						len(rec.After),
					)
					if err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newBenchCommand(opts *cliOptions) *cobra.Command {
	bench := BenchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run concurrent insert transactions against a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEngine(func(e *engine.Engine) error {
				res, err := RunBench(cmd.Context(), e, bench)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), res)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&bench.Table, "table", "bench", "table to insert into, created if missing")
	cmd.Flags().IntVar(&bench.Workers, "workers", 8, "concurrent transactions")
	cmd.Flags().IntVar(&bench.Txns, "txns", 100, "transactions to run")
	cmd.Flags().IntVar(&bench.RowsPerTxn, "rows", 10, "rows inserted by each transaction")
	cmd.Flags().IntVar(&bench.Retries, "retries", 10, "retries of an aborted transaction")
	return cmd
}

func newServeCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP inspection API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			entry := &APIEntrypoint{
				ConfigPath: opts.configPath,
				Fs:         opts.fs,
				Override: func(cfg *config.Config) {
					if opts.dataDir != "" {
						cfg.DataDir = opts.dataDir
					}
				},
			}
			defer func() { err = errors.Join(err, entry.Close()) }()

			if err := entry.Init(ctx); err != nil {
				return err
			}

			runErr := make(chan error, 1)
			go func() { runErr <- entry.Run(ctx) }()

			select {
			case err := <-runErr:
				return err
			case <-ctx.Done():
				return nil
			}
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute runs the command line against the real file system.
func Execute(ctx context.Context, args []string, out io.Writer) error {
	root := NewRootCommand(afero.NewOsFs())
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)

	return root.ExecuteContext(ctx)
}
