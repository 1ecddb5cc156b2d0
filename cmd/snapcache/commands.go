package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/andreyvit/snapcache"
	"github.com/andreyvit/snapcache/exportfile"
)

type app struct {
	configPath string
	dbPath     string
	backend    string
	sourcePath string
	verbose    bool

	cfg    cliConfig
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "snapcache",
		Short:        "Inspect and maintain a published-content snapshot cache",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&a.dbPath, "db", "", "store path (overrides store.path)")
	pf.StringVar(&a.backend, "backend", "", "store backend: bolt, badger or memory (overrides store.backend)")
	pf.StringVar(&a.sourcePath, "source", "", "JSON-lines export to rebuild from (overrides source.path)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log every store operation")

	root.AddCommand(
		a.loadCmd(),
		a.rebuildCmd(),
		a.dumpCmd(),
		a.statsCmd(),
		a.exportCmd(),
		a.serveCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Store.Path = a.dbPath
	}
	if flags.Changed("backend") {
		cfg.Store.Backend = a.backend
	}
	if flags.Changed("source") {
		cfg.Source.Path = a.sourcePath
	}
	if flags.Changed("verbose") {
		cfg.Verbose = a.verbose
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

func (a *app) openStore(m *snapcache.Metrics) (*snapcache.Store, error) {
	store, err := snapcache.OpenStore(a.cfg.Store.Path, a.cfg.storeOptions(a.logger, m))
	if err != nil {
		return nil, fmt.Errorf("failed to open the %s store at %s: %w", a.cfg.Store.Backend, a.cfg.Store.Path, err)
	}
	return store, nil
}

// openCache opens the store and builds a cache over it. reg may be nil.
func (a *app) openCache(reg prometheus.Registerer) (*snapcache.Cache, func(), error) {
	var m *snapcache.Metrics
	if reg != nil {
		m = snapcache.NewMetrics(reg)
	}
	store, err := a.openStore(m)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := store.Close(); err != nil {
			a.logger.Error("snapcache: closing store", "err", err)
		}
	}
	return snapcache.New(a.cfg.options(a.logger, store, m)), closeFn, nil
}

func (a *app) warmCache(ctx context.Context, w io.Writer, reg prometheus.Registerer) (*snapcache.Cache, func(), error) {
	c, closeFn, err := a.openCache(reg)
	if err != nil {
		return nil, nil, err
	}
	res, err := c.WarmStart(ctx)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	printResult(w, res, c.Index().Len())
	return c, closeFn, nil
}

func printResult(w io.Writer, res snapcache.WarmStartResult, nodes int) {
	if res.Rebuilt {
		fmt.Fprintf(w, "rebuilt from source (%s): %d kits, %d invalid\n", res.Reason, res.Loaded, res.Malformed)
	} else {
		fmt.Fprintf(w, "loaded from store: %d kits, %d malformed\n", res.Loaded, res.Malformed)
	}
	if len(res.Unreachable) > 0 {
		fmt.Fprintf(w, "unreachable: %v\n", res.Unreachable)
	}
	fmt.Fprintf(w, "index: %d nodes\n", nodes)
}

func (a *app) loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Warm start the cache, rebuilding from the source if the store needs it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, closeFn, err := a.warmCache(cmd.Context(), cmd.OutOrStdout(), nil)
			if err != nil {
				return err
			}
			closeFn()
			return nil
		},
	}
}

func (a *app) rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Repopulate the store from the source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := a.openCache(nil)
			if err != nil {
				return err
			}
			defer closeFn()
			res, err := c.Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res, c.Index().Len())
			return nil
		},
	}
}

func (a *app) dumpCmd() *cobra.Command {
	var withData, withStore, withStats bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the content tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := a.warmCache(cmd.Context(), cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer closeFn()
			f := snapcache.DumpTree
			if withData {
				f |= snapcache.DumpData
			}
			if withStore {
				f |= snapcache.DumpStore
			}
			if withStats {
				f |= snapcache.DumpStats
			}
			_, err = io.WriteString(cmd.OutOrStdout(), c.Dump(cmd.Context(), f))
			return err
		},
	}
	cmd.Flags().BoolVar(&withData, "data", false, "include draft and published data")
	cmd.Flags().BoolVar(&withStore, "store", false, "include the raw store documents")
	cmd.Flags().BoolVar(&withStats, "stats", false, "include index and store statistics")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics without loading the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(nil)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()
			st, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			needs, err := store.NeedsRebuild(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "backend:       %s\n", a.cfg.Store.Backend)
			fmt.Fprintf(w, "documents:     %d\n", st.Documents)
			fmt.Fprintf(w, "data size:     %d\n", st.DataSize)
			fmt.Fprintf(w, "allocated:     %d\n", st.AllocSize)
			fmt.Fprintf(w, "total size:    %d\n", st.TotalSize)
			fmt.Fprintf(w, "generation:    %d (current %d)\n", st.Generation, snapcache.FormatGeneration)
			fmt.Fprintf(w, "needs rebuild: %v\n", needs)
			return nil
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the cached kits as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := a.warmCache(cmd.Context(), cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer closeFn()

			kits := slices.Collect(c.Snapshot().All())
			if out == "" || out == "-" {
				return exportfile.WriteAll(cmd.OutOrStdout(), kits)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := exportfile.WriteAll(f, kits); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Warm start and serve content and metrics over HTTP until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				a.cfg.Listen = listen
			}
			ctx := cmd.Context()
			reg := prometheus.NewRegistry()
			c, closeFn, err := a.warmCache(ctx, cmd.ErrOrStderr(), reg)
			if err != nil {
				return err
			}
			defer closeFn()

			ln, err := net.Listen("tcp", a.cfg.Listen)
			if err != nil {
				return err
			}
			srv := &http.Server{
				Handler:           newServeMux(c, reg),
				ReadHeaderTimeout: 10 * time.Second,
			}
			a.logger.Info("snapcache: serving", "addr", ln.Addr().String())
			return serveUntilDone(ctx, srv, ln)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides listen)")
	return cmd
}

func serveUntilDone(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
