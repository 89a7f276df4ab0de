package main

import (
	"context"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/code-colosseum/colosseum/internal/archive"
	"github.com/code-colosseum/colosseum/internal/game"
	"github.com/code-colosseum/colosseum/internal/games"
	"github.com/code-colosseum/colosseum/internal/lobby"
	"github.com/code-colosseum/colosseum/internal/server"
	"github.com/code-colosseum/colosseum/internal/session"
)

const releaseVersion = "0.1.0"

const defaultArchiveDir = "archive"

func main() {
	cfg := &Config{}
	cobra.CheckErr(newCmd(cfg).Execute())
}

func serve(cfg *Config) error {
	log := logrus.New()
	if cfg.journald {
		log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}
	if cfg.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	var backend archive.Backend
	var err error
	if cfg.archiveDSN != "" {
		backend, err = archive.NewPostgres(context.Background(), cfg.archiveDSN)
	} else {
		dir := cfg.archiveDir
		if dir == "" {
			dir = defaultArchiveDir
		}
		backend, err = archive.NewFS(dir)
	}
	if err != nil {
		return err
	}

	registry := game.StartRegistry(log, games.All()...)
	arch := archive.Start(log, backend)
	lob := lobby.Start(log, lobby.Config{
		Registry:       registry,
		Archive:        arch,
		VerificationPW: cfg.verificationPW,
	})

	return server.Run(log, server.Config{
		BindAddress: cfg.bindAddress,
		ListenPort:  cfg.listenPort,
		UnixSocket:  cfg.unixDomainSocket,
		Services: session.Services{
			Registry: registry,
			Lobby:    lob,
			Archive:  arch,
		},
	})
}
