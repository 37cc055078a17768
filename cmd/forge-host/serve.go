package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/tjrbrom/forge/internal/config"
	"github.com/tjrbrom/forge/internal/host"
	"github.com/tjrbrom/forge/internal/lobby"
	"github.com/tjrbrom/forge/internal/logging"
)

func serve() error {
	cfg, err := config.Load(CLI.Serve.Config)
	if err != nil {
		return err
	}
	if CLI.Serve.Port > 0 {
		cfg.Server.Port = CLI.Serve.Port
	}
	if CLI.Serve.Slots > 0 {
		cfg.Lobby.Slots = CLI.Serve.Slots
	}
	if CLI.Serve.Computers >= 0 {
		cfg.Lobby.Computer = CLI.Serve.Computers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.Log, os.Stdout)
	if CLI.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		logger.Warn().Msg("debug logging enabled")
	}

	srv, err := host.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if CLI.Serve.AutoStart {
		srv.AddListener(&autoStarter{ctx: ctx, srv: srv, log: logger})
	}
	srv.AddListener(&operatorLog{log: logger})

	err = srv.Run(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	logger.Info().Uint64("send_errors", srv.TotalSendErrors()).Msg("host stopped")
	return err
}

// autoStarter starts a match whenever the lobby becomes ready.
type autoStarter struct {
	ctx context.Context
	srv *host.Server
	log zerolog.Logger
}

func (a *autoStarter) LobbyUpdated(snap lobby.Snapshot, _ int) {
	if snap.Started || !a.srv.Lobby().Ready() {
		return
	}
	go func() {
		results, err := a.srv.StartMatch(a.ctx)
		if err != nil {
			if !errors.Is(err, host.ErrMatchRunning) && !errors.Is(err, lobby.ErrStarted) {
				a.log.Warn().Err(err).Msg("auto start")
			}
			return
		}
		res := <-results
		if res.Err != nil {
			return
		}
		a.srv.Announce("", "match over, ready up for another")
	}()
}

func (a *autoStarter) Message(string, string) {}
func (a *autoStarter) Closed()                {}

// operatorLog echoes chat to the host's log.
type operatorLog struct {
	log zerolog.Logger
}

func (o *operatorLog) Message(source, text string) {
	o.log.Info().Str("from", source).Msg(text)
}

func (o *operatorLog) LobbyUpdated(snap lobby.Snapshot, changed int) {
	o.log.Debug().Uint64("version", snap.Version).Int("changed", changed).Msg("lobby")
}

func (o *operatorLog) Closed() {}
