// Recipesync keeps a local SQLite cache of the recipe service and a user's
// liked recipes, serving reads offline and refreshing them when stale.
//
// Usage:
//
//	recipesync init [--config <path>]                # interactive first-run wizard
//	recipesync daemon [--config <path>]              # poll + push listener, keeps the cache warm
//	recipesync refresh [--kind items|liked] [--force] # one read through the cache policy
//	recipesync refresh --all                         # one daemon poll pass, then exit
//	recipesync list                                  # print cached recipes
//	recipesync liked                                 # print the configured user's liked recipes
//	recipesync search <query>                        # title search over the cache
//	recipesync like <id> | unlike <id>               # toggle a like
//	recipesync save --file <recipe.yaml> [--id <id>]  # create or update a recipe
//	recipesync delete <id>                           # delete a recipe
//	recipesync clear-cache [--kind items|liked]      # force the next read to refetch
//	recipesync status                                # show config and cache state
//	recipesync version                               # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/njoerd114/recipesync/internal/cachepolicy"
	"github.com/njoerd114/recipesync/internal/config"
	"github.com/njoerd114/recipesync/internal/model"
	"github.com/njoerd114/recipesync/internal/notify"
	"github.com/njoerd114/recipesync/internal/remote"
	"github.com/njoerd114/recipesync/internal/setup"
	"github.com/njoerd114/recipesync/internal/state"
	syncp "github.com/njoerd114/recipesync/internal/sync"
	"github.com/njoerd114/recipesync/internal/syncerr"
	"github.com/njoerd114/recipesync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", errorText(err))
		slog.Debug("command failed", "error", err)
		os.Exit(1)
	}
}

// errorText shows the user message for classified sync errors and the error
// itself for everything else (config, flags, arguments).
func errorText(err error) string {
	if syncerr.KindOf(err) == syncerr.Unknown {
		return err.Error()
	}
	return syncerr.UserMessage(err)
}

// run dispatches to the subcommand named by the first argument.
func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "init":
		return runInit(args)
	case "daemon":
		return runDaemon(args)
	case "refresh":
		return runRefresh(args)
	case "list":
		return runList(args)
	case "liked":
		return runLiked(args)
	case "search":
		return runSearch(args)
	case "like":
		return runLike(args, true)
	case "unlike":
		return runLike(args, false)
	case "save":
		return runSave(args)
	case "delete":
		return runDelete(args)
	case "clear-cache":
		return runClearCache(args)
	case "status":
		return runStatus(args)
	case "version":
		fmt.Println("recipesync", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'recipesync help' for usage", cmd)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "recipesync: offline-first cache for the recipe service")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  recipesync init                        Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  recipesync daemon                      Keep the cache warm (poll + push)")
	fmt.Fprintln(os.Stderr, "  recipesync refresh [--kind] [--force]  Read once through the cache policy")
	fmt.Fprintln(os.Stderr, "  recipesync refresh --all               Revalidate every collection once")
	fmt.Fprintln(os.Stderr, "  recipesync list                        Print cached recipes")
	fmt.Fprintln(os.Stderr, "  recipesync liked                       Print liked recipes")
	fmt.Fprintln(os.Stderr, "  recipesync search <query>              Search cached titles")
	fmt.Fprintln(os.Stderr, "  recipesync like|unlike <id>            Toggle a like")
	fmt.Fprintln(os.Stderr, "  recipesync save --file <path> [--id]   Create or update a recipe")
	fmt.Fprintln(os.Stderr, "  recipesync delete <id>                 Delete a recipe")
	fmt.Fprintln(os.Stderr, "  recipesync clear-cache [--kind]        Invalidate cached collections")
	fmt.Fprintln(os.Stderr, "  recipesync status                      Show config and cache state")
	fmt.Fprintln(os.Stderr, "  recipesync version                     Print version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Every command accepts --config <path> and --verbose.")
}

// --- Subcommands -------------------------------------------------------------

// runInit launches the interactive setup wizard.
func runInit(args []string) error {
	fs, common := newFlagSet("init")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	_, err := setup.NewWizard(os.Stdin, os.Stdout, logger).Run(ctx, common.cfgPath)
	return err
}

func runDaemon(args []string) error {
	fs, common := newFlagSet("daemon")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(common, true)
	if err != nil {
		return err
	}
	defer a.close()

	var push syncp.PushSource
	if a.cfg.PushURL != "" {
		pl, err := remote.NewPushListener(a.cfg.PushURL, a.cfg.UserID, a.log)
		if err != nil {
			return fmt.Errorf("creating push listener: %w", err)
		}
		push = pl
	}

	engine := syncp.NewEngine(a.coord, push, a.cfg.UserID, a.cfg.PollInterval, a.cfg.PushRefreshRate, a.log)
	a.log.Info("daemon starting",
		"poll_interval", a.cfg.PollInterval,
		"push", a.cfg.PushURL != "",
	)
	if err := engine.Run(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	a.log.Info("shutdown complete")
	return nil
}

func runRefresh(args []string) error {
	fs, common := newFlagSet("refresh")
	kindFlag := fs.String("kind", "items", "collection to refresh: items or liked")
	force := fs.Bool("force", false, "fetch even if the cache is fresh")
	all := fs.Bool("all", false, "revalidate every collection the daemon keeps warm, then exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(common, false)
	if err != nil {
		return err
	}
	defer a.close()

	if *all {
		engine := syncp.NewEngine(a.coord, nil, a.cfg.UserID, a.cfg.PollInterval, a.cfg.PushRefreshRate, a.log)
		if err := engine.RunOnce(a.ctx); err != nil {
			return err
		}
		fmt.Println("items and liked collections revalidated")
		return nil
	}

	kind, err := a.resolveKind(*kindFlag)
	if err != nil {
		return err
	}
	out, err := a.coord.Refresh(a.ctx, kind, *force)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d recipe(s), decision %s", kind, len(out.Recipes), out.Decision)
	if out.Stale {
		fmt.Printf(", stale (%s)", syncerr.UserMessage(out.Err))
	}
	if out.Stats.Changed() {
		fmt.Printf(", +%d ~%d -%d", out.Stats.Created, out.Stats.Updated, out.Stats.Deleted)
	}
	fmt.Println()
	return nil
}

func runList(args []string) error {
	fs, common := newFlagSet("list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(common, false)
	if err != nil {
		return err
	}
	defer a.close()

	out, err := a.coord.Items(a.ctx)
	if err != nil {
		return err
	}
	printOutcome(out)
	return nil
}

func runLiked(args []string) error {
	fs, common := newFlagSet("liked")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(common, false)
	if err != nil {
		return err
	}
	defer a.close()

	out, err := a.coord.LikedItems(a.ctx, a.cfg.UserID)
	if err != nil {
		return err
	}
	printOutcome(out)
	return nil
}

func runSearch(args []string) error {
	fs, common := newFlagSet("search")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(common, false)
	if err != nil {
		return err
	}
	defer a.close()

	recipes, err := a.coord.Search(a.ctx, strings.Join(fs.Args(), " "))
	if err != nil {
		return err
	}
	printRecipes(recipes)
	return nil
}

func runLike(args []string, liked bool) error {
	name := "unlike"
	if liked {
		name = "like"
	}
	fs, common := newFlagSet(name)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := recipeIDArg(fs)
	if err != nil {
		return err
	}
	a, err := openApp(common, false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.coord.SetLiked(a.ctx, id, a.cfg.UserID, liked); err != nil {
		return err
	}
	fmt.Printf("recipe %d %sd\n", id, name)
	return nil
}

// recipeFile is the YAML shape accepted by "save".
type recipeFile struct {
	Title       string `yaml:"title"`
	Ingredients string `yaml:"ingredients"`
	PhotoURL    string `yaml:"photo_url"`
	Steps       []struct {
		Instruction string `yaml:"instruction"`
		MediaURL    string `yaml:"media_url"`
	} `yaml:"steps"`
}

func runSave(args []string) error {
	fs, common := newFlagSet("save")
	file := fs.String("file", "", "YAML file describing the recipe")
	id := fs.Int64("id", 0, "recipe id to update; omit to create")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}
	payload, err := loadRecipeFile(*file)
	if err != nil {
		return err
	}
	payload.ID = *id

	a, err := openApp(common, false)
	if err != nil {
		return err
	}
	defer a.close()

	saved, err := a.coord.CreateOrUpdateItem(a.ctx, payload, a.cfg.Actor())
	if err != nil {
		return err
	}
	if saved != nil {
		fmt.Printf("saved recipe %d (%s)\n", saved.ID, saved.Title)
	} else {
		fmt.Println("recipe saved; it will appear after the next refresh")
	}
	return nil
}

func runDelete(args []string) error {
	fs, common := newFlagSet("delete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := recipeIDArg(fs)
	if err != nil {
		return err
	}
	a, err := openApp(common, false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.coord.DeleteItem(a.ctx, id, a.cfg.Actor()); err != nil {
		return err
	}
	fmt.Printf("recipe %d deleted\n", id)
	return nil
}

func runClearCache(args []string) error {
	fs, common := newFlagSet("clear-cache")
	kindFlag := fs.String("kind", "", "collection to invalidate: items, liked, or liked:<user>; empty clears both")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(common, false)
	if err != nil {
		return err
	}
	defer a.close()

	kinds := []model.Kind{model.Items(), {Name: model.KindLiked}}
	if *kindFlag != "" {
		k, err := model.ParseKind(*kindFlag)
		if err != nil {
			return err
		}
		kinds = []model.Kind{k}
	}
	for _, k := range kinds {
		if err := a.coord.ClearCache(a.ctx, k); err != nil {
			return err
		}
	}
	fmt.Println("cache cleared")
	return nil
}

// runStatus prints configuration and cache state without touching the network.
func runStatus(args []string) error {
	fs, common := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("recipesync status")
	fmt.Println("─────────────────")

	cfg, err := config.Load(common.cfgPath)
	if err != nil {
		fmt.Printf("  Config:    %s (%v)\n", common.cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:    %s ✓\n", common.cfgPath)
	fmt.Printf("  Server:    %s\n", cfg.ServerURL)
	if cfg.PushURL != "" {
		fmt.Printf("  Push:      %s\n", cfg.PushURL)
	}
	fmt.Printf("  User:      %s (%s)\n", cfg.UserID, cfg.Actor().Permission)
	fmt.Printf("  Poll:      %s\n", cfg.PollInterval)

	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return err
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Printf("  Cache DB:  not found\n")
		return nil
	}
	fmt.Printf("  Cache DB:  %s (%s)\n", dbPath, humanSize(info.Size()))

	ctx := context.Background()
	store, err := state.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	count, err := store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("  Recipes:   %d cached\n", count)
	for _, k := range []model.Kind{model.Items(), model.Liked(cfg.UserID)} {
		last, err := store.LastSync(ctx, k)
		if err != nil {
			return err
		}
		if last.IsZero() {
			fmt.Printf("  %-10s never synced\n", k.String()+":")
			continue
		}
		fmt.Printf("  %-10s synced %s ago\n", k.String()+":", time.Since(last).Round(time.Second))
	}
	return nil
}

// --- Wiring --------------------------------------------------------------------

type commonFlags struct {
	cfgPath string
	verbose bool
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	c := &commonFlags{}
	fs.StringVar(&c.cfgPath, "config", defaultCfg, "path to config.yaml")
	fs.BoolVar(&c.verbose, "verbose", false, "enable debug logging")
	return fs, c
}

// app bundles everything a subcommand needs.
type app struct {
	ctx   context.Context
	cfg   *config.Config
	log   *slog.Logger
	coord *syncp.Coordinator

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// openApp loads config and builds the store, remote client, policy and
// coordinator. daemon selects info-level logging; one-shot commands log
// warnings only unless --verbose is set.
func openApp(common *commonFlags, daemon bool) (_ *app, err error) {
	logLevel := slog.LevelWarn
	if daemon {
		logLevel = slog.LevelInfo
	}
	if common.verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(common.cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", common.cfgPath, err)
	}
	logger.Info("config loaded",
		"server_url", cfg.ServerURL,
		"user_id", cfg.UserID,
		"poll_interval", cfg.PollInterval,
	)

	a := &app{cfg: cfg, log: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	a.ctx = ctx
	a.closers = append(a.closers, stop)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(context.Background(), *cfg.Telemetry)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- Cache DB --------------------------------------------------------------

	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return nil, err
	}
	notifier := notify.New()
	store, err := state.Open(ctx, dbPath, state.WithPublisher(notifier))
	if err != nil {
		return nil, fmt.Errorf("opening cache DB at %q: %w", dbPath, err)
	}
	a.closers = append(a.closers, func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing cache DB", "error", closeErr)
		}
	})
	logger.Debug("cache DB opened", "path", dbPath)

	// --- Remote client & cache policy ------------------------------------------

	client, err := remote.New(remote.Options{
		BaseURL:        cfg.ServerURL,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initialising recipe service client: %w", err)
	}

	probe, err := cachepolicy.NewTCPProbe(cfg.ServerURL, cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("initialising connectivity probe: %w", err)
	}
	policy := cachepolicy.New(cachepolicy.Config{
		ItemsTTL: cfg.ItemsTTL,
		LikedTTL: cfg.LikedTTL,
	}, probe)

	a.coord = syncp.NewCoordinator(syncp.Options{
		Store:    store,
		Remote:   client,
		Policy:   policy,
		Notifier: notifier,
		ViewerID: cfg.UserID,
		Logger:   logger,
	})
	return a, nil
}

// resolveKind parses a --kind value, scoping a bare "liked" to the configured user.
func (a *app) resolveKind(s string) (model.Kind, error) {
	kind, err := model.ParseKind(s)
	if err != nil {
		return model.Kind{}, err
	}
	if kind.Name == model.KindLiked && kind.UserID == "" {
		kind.UserID = a.cfg.UserID
	}
	return kind, nil
}

func resolveDBPath(cfg *config.Config) (string, error) {
	if cfg.DBPath != "" {
		return cfg.DBPath, nil
	}
	p, err := state.DefaultDBPath()
	if err != nil {
		return "", fmt.Errorf("resolving cache DB path: %w", err)
	}
	return p, nil
}

// --- helpers ---

func recipeIDArg(fs *flag.FlagSet) (int64, error) {
	if fs.NArg() != 1 {
		return 0, fmt.Errorf("%s expects exactly one recipe id", fs.Name())
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid recipe id %q", fs.Arg(0))
	}
	return id, nil
}

func loadRecipeFile(path string) (*model.Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening recipe file %q: %w", path, err)
	}
	defer f.Close()

	var rf recipeFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("parsing recipe file %q: %w", path, err)
	}
	if strings.TrimSpace(rf.Title) == "" {
		return nil, fmt.Errorf("recipe file %q: title is required", path)
	}

	r := &model.Recipe{
		Title:       rf.Title,
		Ingredients: rf.Ingredients,
		PhotoURL:    rf.PhotoURL,
	}
	for i, s := range rf.Steps {
		r.Steps = append(r.Steps, model.Step{
			Number:      i + 1,
			Instruction: s.Instruction,
			MediaURL:    s.MediaURL,
		})
	}
	return r, nil
}

func printOutcome(out syncp.Outcome) {
	if out.Stale {
		fmt.Fprintf(os.Stderr, "showing cached data: %s\n", syncerr.UserMessage(out.Err))
	}
	printRecipes(out.Recipes)
}

func printRecipes(recipes []model.Recipe) {
	if len(recipes) == 0 {
		fmt.Println("no recipes")
		return
	}
	for _, r := range recipes {
		mark := " "
		if r.Liked {
			mark = "♥"
		}
		fmt.Printf("%s %6d  %s\n", mark, r.ID, r.Title)
	}
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
