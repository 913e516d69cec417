package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikequentel/wird/internal/config"
	"github.com/mikequentel/wird/internal/logging"
	"github.com/mikequentel/wird/internal/model"
	"github.com/mikequentel/wird/internal/poster"
	"github.com/mikequentel/wird/internal/scheduler"
	"github.com/mikequentel/wird/internal/server"
	"github.com/mikequentel/wird/internal/social"
	"github.com/mikequentel/wird/internal/social/mastodon"
	"github.com/mikequentel/wird/internal/social/twitter"
	"github.com/mikequentel/wird/internal/store"
	"github.com/mikequentel/wird/internal/verses"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the state shared by every subcommand.
type app struct {
	cfgPath  string
	dryRun   bool
	logLevel string

	cfg *config.Config
	log *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:          "poster",
		Short:        "Post one Quran verse a day to linked social accounts",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgPath)
			if err != nil {
				return err
			}
			if a.dryRun {
				cfg.DryRun = true
			}
			if a.logLevel != "" {
				cfg.Logging.Level = a.logLevel
			}
			a.cfg = cfg
			a.log, err = logging.New(cfg.Logging.Level, cfg.Logging.Development)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", envOr("WIRD_CONFIG", "wird.yaml"), "config file (YAML)")
	cmd.PersistentFlags().BoolVar(&a.dryRun, "dry-run", false, "log posts instead of publishing them")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(
		newServeCommand(a),
		newPostCommand(a),
		newRunOnceCommand(a),
		newVersesCommand(a),
		newResetCommand(a),
	)
	return cmd
}

// deps is everything wired from the config.
type deps struct {
	store     store.Store
	registry  social.Registry
	mastodon  *mastodon.Client
	x         *twitter.Client
	poster    *poster.Service
	scheduler *scheduler.Scheduler
}

func (a *app) open(ctx context.Context) (*deps, error) {
	st, err := store.Open(ctx, a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	n, err := verses.Load(ctx, st, a.cfg.Verses.Path)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load verses: %w", err)
	}
	a.log.Debug("verses ready", zap.Int("count", n))

	d := &deps{store: st}
	d.mastodon = mastodon.New(a.cfg.Mastodon.AppName, a.cfg.Mastodon.Scopes, mastodon.WithTimeout(a.cfg.Mastodon.Timeout()))
	publishers := []social.Publisher{d.mastodon}
	if a.cfg.X.Enabled() {
		d.x = twitter.New(a.cfg.X.ConsumerKey, a.cfg.X.ConsumerSecret, a.cfg.PublicURL+"/api/auth/x/callback")
		publishers = append(publishers, d.x)
	}
	d.registry = social.NewRegistry(publishers...)
	if a.cfg.DryRun {
		a.log.Warn("dry run: posts are logged, not published")
		d.registry = social.DryRunAll(d.registry, a.log)
	}
	d.poster = poster.New(st, d.registry, a.log)

	hour, minute, _ := a.cfg.Schedule.Clock()
	loc, _ := a.cfg.Schedule.Location()
	timeout, _ := a.cfg.Schedule.Timeout()
	d.scheduler, err = scheduler.New(scheduler.Config{
		Hour:        hour,
		Minute:      minute,
		Location:    loc,
		Concurrency: a.cfg.Schedule.Concurrency,
		Timeout:     timeout,
	}, st, d.poster, a.log)
	if err != nil {
		st.Close()
		return nil, err
	}
	return d, nil
}

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API and the daily scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer d.store.Close()

			opts := server.Options{
				Store:     d.store,
				Poster:    d.poster,
				Schedule:  d.scheduler,
				Mastodon:  d.mastodon,
				PublicURL: a.cfg.PublicURL,
				Log:       a.log,
			}
			if d.x != nil {
				opts.X = d.x
			}
			srv := &http.Server{
				Addr:              a.cfg.Listen,
				Handler:           server.New(opts),
				ReadHeaderTimeout: 10 * time.Second,
			}

			d.scheduler.Start()
			errc := make(chan error, 1)
			go func() {
				a.log.Info("listening", zap.String("addr", a.cfg.Listen), zap.String("public_url", a.cfg.PublicURL))
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				<-d.scheduler.Stop().Done()
				return err
			case <-ctx.Done():
			}
			a.log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Error("http shutdown", zap.Error(err))
			}
			select {
			case <-d.scheduler.Stop().Done():
			case <-shutdownCtx.Done():
				a.log.Warn("batch still running at exit")
			}
			if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func newPostCommand(a *app) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post the current verse for one account now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer d.store.Close()

			acct, err := d.store.AccountByUsername(ctx, username)
			if err != nil {
				return fmt.Errorf("account %q: %w", username, err)
			}
			rec, err := d.poster.Post(ctx, acct.ID)
			if rec.ID != 0 {
				printJSON(cmd, rec)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account to post for")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newRunOnceCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Run the daily batch immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer d.store.Close()

			r := d.scheduler.RunOnce(cmd.Context())
			printJSON(cmd, r)
			if r.Failed > 0 {
				return fmt.Errorf("%d of %d posts failed", r.Failed, r.Attempted)
			}
			return nil
		},
	}
}

func newVersesCommand(a *app) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "verses",
		Short: "Load verses and show the count, or preview one post",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer d.store.Close()

			n, err := d.store.VerseCount(ctx)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("index") {
				fmt.Fprintf(cmd.OutOrStdout(), "%d verses\n", n)
				return nil
			}
			v, err := d.store.VerseByIndex(ctx, index)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), verses.FormatStatus(v))
			return nil
		},
	}
	cmd.Flags().IntVarP(&index, "index", "i", 0, "preview the post for this verse index")
	return cmd
}

func newResetCommand(a *app) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Start an account over from the first verse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer d.store.Close()

			acct, err := d.store.AccountByUsername(ctx, username)
			if err != nil {
				return fmt.Errorf("account %q: %w", username, err)
			}
			zero, now := 0, time.Now().UTC()
			acct, err = d.store.UpdateAccount(ctx, acct.ID, model.AccountUpdate{Cursor: &zero, DaysPosted: &zero, StartDate: &now})
			if err != nil {
				return err
			}
			printJSON(cmd, acct.Sanitized())
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account to reset")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
