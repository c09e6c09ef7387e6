// Command workcell runs the workcell manager, validates workflow files and
// serves simulated nodes.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/workcell/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries what the persistent flags resolve to.
type cli struct {
	configFile string
	v          *viper.Viper
	cfg        Config
	level      *slog.LevelVar
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{level: new(slog.LevelVar)}

	root := &cobra.Command{
		Use:           "workcell",
		Short:         "Laboratory workcell manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cmd)
		},
	}
	root.SetErr(os.Stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.configFile, "config", "", "config file (default: ./settings.yaml or ~/.workcell/settings.yaml)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")

	root.AddCommand(
		newServeCmd(c),
		newMCPCmd(c),
		newValidateCmd(c),
		newSimNodeCmd(c),
		newVersionCmd(),
	)

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\n\n%s", err, cmd.UsageString())
	})
	return root
}

func (c *cli) init(cmd *cobra.Command) error {
	v, err := newViper(c.configFile)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	flags := cmd.Flags()
	if err := v.BindPFlag("log_level", flags.Lookup("log-level")); err != nil {
		return err
	}
	if err := v.BindPFlag("log_format", flags.Lookup("log-format")); err != nil {
		return err
	}
	if f := flags.Lookup("workcell"); f != nil {
		if err := v.BindPFlag("workcell_file", f); err != nil {
			return err
		}
	}
	if f := flags.Lookup("listen"); f != nil {
		if err := v.BindPFlag("listen_addr", f); err != nil {
			return err
		}
	}

	cfg, err := loadConfig(v)
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	c.v = v
	c.cfg = cfg
	c.level.Set(logging.ParseLevel(cfg.LogLevel))

	// The stdio MCP transport owns stdout.
	var out io.Writer = os.Stdout
	if cmd.Name() == "mcp" {
		out = os.Stderr
	}
	c.logger = logging.New(cfg.LogFormat, c.level, out)
	return nil
}
