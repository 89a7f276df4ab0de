package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bindAddress      string
	listenPort       int
	verificationPW   string
	journald         bool
	unixDomainSocket bool
	archiveDir       string
	archiveDSN       string
	verbose          bool
}

func (c *Config) validate() error {
	if !c.unixDomainSocket && (c.listenPort < 1 || c.listenPort > 65535) {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.listenPort)
	}
	if c.archiveDir != "" && c.archiveDSN != "" {
		return errors.New("--archive-dir and --archive-dsn are mutually exclusive")
	}
	return nil
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("COLOSSEUM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "colosseum",
		Short:         "Multiplayer game server where the players are programs.",
		Args:          cobra.ExactArgs(0),
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bindAddress, "bind-address", "b", "127.0.0.1", "address to bind to (env: COLOSSEUM_BIND_ADDRESS)")
	fs.IntVarP(&cfg.listenPort, "listen-port", "p", 8088, "port to listen on (env: COLOSSEUM_LISTEN_PORT)")
	fs.StringVar(&cfg.verificationPW, "verification-password", "", "password marking created games as verified (env: COLOSSEUM_VERIFICATION_PASSWORD)")
	fs.BoolVar(&cfg.journald, "journald", false, "drop log timestamps, journald supplies its own (env: COLOSSEUM_JOURNALD)")
	fs.BoolVarP(&cfg.unixDomainSocket, "unix-domain-socket", "u", false, "treat the bind address as a unix socket path (env: COLOSSEUM_UNIX_DOMAIN_SOCKET)")
	fs.StringVar(&cfg.archiveDir, "archive-dir", "", "directory for archived matches (env: COLOSSEUM_ARCHIVE_DIR)")
	fs.StringVar(&cfg.archiveDSN, "archive-dsn", "", "postgres DSN for archived matches (env: COLOSSEUM_ARCHIVE_DSN)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "enable debug logging (env: COLOSSEUM_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("colosseum v{{.Version}}\n")

	return cmd
}
