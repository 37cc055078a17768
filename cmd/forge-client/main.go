package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/tjrbrom/forge/internal/client"
	"github.com/tjrbrom/forge/internal/config"
	"github.com/tjrbrom/forge/internal/lobby"
	"github.com/tjrbrom/forge/internal/logging"
	"github.com/tjrbrom/forge/internal/tui"
)

var CLI struct {
	Config   string `help:"Configuration file." short:"c" type:"existingfile"`
	URL      string `help:"WebSocket URL of the host." short:"u"`
	Username string `help:"Name shown in the lobby." short:"n"`
	Avatar   int    `help:"Avatar index." default:"-1"`
	Headless bool   `help:"Run without a terminal UI, ready up and play as the computer."`
	LogFile  string `help:"Write logs here while the terminal UI is running." name:"log-file"`
	Debug    bool   `help:"Whether to enable debug logging."`
}

func writeError(err error) {
	fmt.Fprintf(os.Stderr, "%s\n", err)
	os.Exit(1)
}

func main() {
	kong.Parse(&CLI,
		kong.Name("forge-client"),
		kong.Description("join a forge match"),
		kong.UsageOnError())

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		writeError(err)
	}
	if CLI.URL != "" {
		cfg.Client.URL = CLI.URL
	}
	if CLI.Username != "" {
		cfg.Client.Username = CLI.Username
	}
	if CLI.Avatar >= 0 {
		cfg.Client.Avatar = CLI.Avatar
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if CLI.Headless {
		err = runHeadless(ctx, cfg, newLogger(cfg, os.Stderr))
	} else {
		err = runTUI(ctx, cfg)
	}
	if err != nil {
		writeError(err)
	}
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	logger := logging.New(cfg.Log, w)
	if CLI.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return logger
}

func options(cfg *config.Config, logger zerolog.Logger) client.Options {
	return client.Options{
		URL:      cfg.Client.URL,
		Username: cfg.Client.Username,
		Avatar:   cfg.Client.Avatar,
		Config:   cfg,
		Logger:   logger,
	}
}

func runHeadless(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	counter := client.NewCounter(logger)
	opts := options(cfg, logger)
	opts.Consumer = counter

	c, err := client.Connect(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	r := &readier{c: c, log: logger}
	c.AddListener(r)
	r.check()

	select {
	case <-counter.Finished():
	case <-c.Done():
	case <-ctx.Done():
	}
	logger.Info().
		Int("batches", counter.Batches()).
		Int("updates", counter.Updates()).
		Interface("stats", c.Stats()).
		Msg("done")
	return nil
}

// readier readies the local seat whenever it is not.
type readier struct {
	c   *client.Client
	log zerolog.Logger
}

func (r *readier) check() {
	snap := r.c.View().Snapshot()
	seat, ok := snap.Slot(r.c.View().LocalSlot())
	if !ok || seat.Ready || snap.Started || seat.Type != lobby.Remote || seat.Name == "" {
		return
	}
	if err := r.c.SetReady(true); err != nil {
		r.log.Warn().Err(err).Msg("ready")
	}
}

func (r *readier) LobbyUpdated(lobby.Snapshot, int) { r.check() }
func (r *readier) Closed()                          {}

func (r *readier) Message(source, text string) {
	r.log.Info().Str("from", source).Msg(text)
}

func runTUI(ctx context.Context, cfg *config.Config) error {
	var out io.Writer = io.Discard
	if CLI.LogFile != "" {
		f, err := os.OpenFile(CLI.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	logger := newLogger(cfg, out)

	m := tui.New()
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	bridge := tui.NewBridge(p)
	defer bridge.Close()

	connected := make(chan *client.Client, 1)
	go func() {
		opts := options(cfg, logger)
		opts.Consumer = m.Board()
		opts.Executor = bridge

		c, err := client.Connect(ctx, opts)
		if err != nil {
			p.Send(tui.ErrMsg{Err: err})
			return
		}
		connected <- c
		c.AddListener(bridge)
		p.Send(tui.AttachMsg{Client: c})
	}()

	_, err := p.Run()
	select {
	case c := <-connected:
		c.Close()
	default:
	}
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
