package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/recipesync/internal/cachepolicy"
	"github.com/njoerd114/recipesync/internal/config"
	"github.com/njoerd114/recipesync/internal/model"
)

// ReachableFunc reports the address checked for serverURL and whether it
// answered.
type ReachableFunc func(ctx context.Context, serverURL string) (addr string, ok bool)

// Wizard walks the user through writing a config file.
type Wizard struct {
	prompt    *Prompter
	w         io.Writer
	logger    *slog.Logger
	reachable ReachableFunc
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:    NewPrompter(r, w),
		w:         w,
		logger:    logger,
		reachable: probeServer,
	}
}

// Run asks for the connection and identity settings and writes them to
// cfgPath. An unreachable server only warns: the cache works offline and the
// first successful refresh will fill it.
func (wiz *Wizard) Run(ctx context.Context, cfgPath string) (*config.Config, error) {
	fmt.Fprintf(wiz.w, "\nrecipesync setup\n\n")

	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return config.Load(cfgPath)
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	fmt.Fprintf(wiz.w, "Step 1/3: Recipe service\n")
	serverURL := wiz.prompt.String("Server URL", "http://localhost:8080")
	addr, ok := wiz.reachable(ctx, serverURL)
	fmt.Fprintf(wiz.w, "  Checking connectivity to %s...", addr)
	if ok {
		fmt.Fprintf(wiz.w, " ✓\n")
	} else {
		fmt.Fprintf(wiz.w, " ✗ (continuing, reads will use the cache until it is reachable)\n")
		wiz.logger.Warn("recipe service unreachable during setup", "server_url", serverURL)
	}
	pushURL := wiz.prompt.Optional("Push URL (ws:// or wss://)")
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "Step 2/3: Identity\n")
	userID := wiz.prompt.String("User ID", "")
	level, err := wiz.prompt.Select("Permission level", []string{"user", "admin"})
	if err != nil {
		return nil, fmt.Errorf("reading permission level: %w", err)
	}
	perm := model.PermissionUser
	if level == 1 {
		perm = model.PermissionAdmin
	}

	pollStr := wiz.prompt.String("Poll interval for the daemon (10s-1h)", config.DefaultPollInterval.String())
	poll, err := time.ParseDuration(pollStr)
	if err != nil {
		poll = config.DefaultPollInterval
		fmt.Fprintf(wiz.w, "  (invalid duration, using default %s)\n", poll)
	}
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "Step 3/3: Save configuration\n")
	cfg := &config.Config{
		ServerURL:       serverURL,
		PushURL:         pushURL,
		UserID:          userID,
		PermissionLevel: int(perm),
		PollInterval:    poll,
	}
	if err := cfg.Write(cfgPath); err != nil {
		return nil, fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", cfgPath)
	fmt.Fprintf(wiz.w, "Run 'recipesync refresh' to fill the cache, or 'recipesync daemon' to keep it warm.\n")
	return cfg, nil
}

func probeServer(ctx context.Context, serverURL string) (string, bool) {
	probe, err := cachepolicy.NewTCPProbe(serverURL, cachepolicy.DefaultProbeTimeout)
	if err != nil {
		return serverURL, false
	}
	return probe.Addr(), probe.Online(ctx)
}
