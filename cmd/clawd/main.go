package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/openclaw/clawd/internal/auth"
	"github.com/openclaw/clawd/internal/bus"
	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/cron"
	"github.com/openclaw/clawd/internal/gateway"
	"github.com/openclaw/clawd/internal/heartbeat"
	"github.com/openclaw/clawd/internal/lanes"
	"github.com/openclaw/clawd/internal/paths"
	"github.com/openclaw/clawd/internal/sessions"
	"github.com/openclaw/clawd/internal/sysevents"

	. "github.com/openclaw/clawd/internal/logging"
)

const version = "0.1.0"

type cli struct {
	Verbose bool   `short:"v" help:"Enable debug logging."`
	Trace   bool   `help:"Enable trace logging."`
	Config  string `short:"c" type:"path" help:"Config file path (default: state dir openclaw.json)."`

	Serve        serveCmd        `cmd:"" default:"1" help:"Run the clawd daemon."`
	Status       statusCmd       `cmd:"" help:"Query a running daemon's health endpoint."`
	HashPassword hashPasswordCmd `cmd:"" name:"hash-password" help:"Hash a password for gateway auth."`
	Install      installCmd      `cmd:"" help:"Install the daemon as a service."`
	Uninstall    uninstallCmd    `cmd:"" help:"Remove the installed service."`
	Start        startCmd        `cmd:"" help:"Start the installed service."`
	Stop         stopCmd         `cmd:"" help:"Stop the installed service."`
	Restart      restartCmd      `cmd:"" help:"Restart the installed service."`
	Version      versionCmd      `cmd:"" help:"Print the version."`
}

func (c *cli) logLevel() int {
	switch {
	case c.Trace:
		return LevelTrace
	case c.Verbose:
		return LevelDebug
	}
	return LevelInfo
}

func (c *cli) loadConfig() (*config.Config, error) {
	if c.Config != "" {
		return config.LoadPath(c.Config)
	}
	return config.Load()
}

type serveCmd struct{}

func (s *serveCmd) Run(c *cli) error {
	L_info("clawd %s starting", version)

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	L_debug("config loaded", "stateDir", paths.StateDir())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := bus.New()

	store := sessions.NewStore(paths.SessionsPath("main"), events)
	if _, err := store.Load(); err != nil {
		L_warn("session store load failed", "error", err)
	}

	dispatcher := lanes.NewDispatcher()
	defer dispatcher.Stop()
	if n := cfg.Cron.MaxConcurrentRuns; n > 0 {
		dispatcher.SetLaneConcurrency(lanes.LaneCron, n)
	}

	queue := sysevents.New()

	hb := heartbeat.NewRunner(heartbeat.Deps{
		Config: cfg,
		Queue:  queue,
		Lanes:  dispatcher,
		Store:  store,
		Events: events,
	})
	hb.RegisterAgent("main", cfg.Heartbeat)
	defer hb.Stop()

	cronSvc := cron.NewService(cron.Deps{
		Config:    cfg,
		Store:     cron.NewStore("", events),
		History:   cron.NewHistory(""),
		Lanes:     dispatcher,
		Queue:     queue,
		Heartbeat: hb,
		Sessions:  store,
		Events:    events,
	})
	if cfg.CronEnabled() {
		if err := cronSvc.Start(ctx); err != nil {
			return fmt.Errorf("cron start: %w", err)
		}
		defer cronSvc.Stop()
	} else {
		L_info("cron disabled by config")
	}

	devices := auth.NewDeviceRegistry("")
	if err := devices.Load(); err != nil {
		L_warn("device registry load failed", "error", err)
	}

	// Agent runtimes plug in from outside the core; without one, cron
	// isolated jobs and heartbeat turns report an executor error.
	L_info("no agent executor wired; agent runs will be rejected")

	gw := gateway.NewServer(gateway.Deps{
		Config:    cfg,
		Devices:   devices,
		Sessions:  store,
		Cron:      cronSvc,
		Queue:     queue,
		Lanes:     dispatcher,
		Heartbeat: hb,
		Events:    events,
		Version:   version,
	})

	L_info("clawd ready")
	err = gw.Start(ctx)
	SetShuttingDown()
	return err
}

type statusCmd struct {
	Port int `help:"Gateway port." default:"18789"`
}

func (s *statusCmd) Run(c *cli) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", s.Port))
	if err != nil {
		return fmt.Errorf("gateway not reachable on port %d: %w", s.Port, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

type hashPasswordCmd struct {
	Password string `arg:"" help:"Password to hash."`
}

func (h *hashPasswordCmd) Run(c *cli) error {
	hash, err := auth.HashPassword(h.Password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

type versionCmd struct{}

func (v *versionCmd) Run(c *cli) error {
	fmt.Printf("clawd %s\n", version)
	return nil
}

func main() {
	var c cli
	ktx := kong.Parse(&c,
		kong.Name("clawd"),
		kong.Description("OpenClaw concurrency core: session store, lanes, heartbeat, cron, and gateway."),
		kong.UsageOnError(),
	)

	Init(&Config{
		Level:      c.logLevel(),
		ShowCaller: c.Trace,
	})

	if err := ktx.Run(&c); err != nil {
		L_fatal("%v", err)
	}
}
