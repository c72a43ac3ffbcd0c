package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rjboer/satstream/internal/config"
	"github.com/rjboer/satstream/internal/logging"
	"github.com/rjboer/satstream/internal/modules"
	"github.com/rjboer/satstream/internal/pipeline"
)

const defaultEnvFile = ".env"

// cli holds the state shared by every subcommand.
type cli struct {
	stdout io.Writer
	stderr io.Writer

	configFile   string
	pipelinesDir string
	envFile      string
	logLevel     string
	logFormat    string
	logFile      string
	sets         []string

	logger logging.Logger
	closer io.Closer
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "satlive",
		Short: "Live SDR capture and pipeline processing",
		Long: `satlive streams samples from an SDR source into processing pipelines.

Run parameters come from an optional --config document (YAML or JSON), the
SATLIVE_ environment (a .env file is loaded first) and --set overrides, in
increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := c.loadEnv(cmd.Flags().Changed("env-file")); err != nil {
				return err
			}
			return c.setupLogging()
		},
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "run-parameter document (yaml or json)")
	flags.StringVar(&c.pipelinesDir, "pipelines", "pipelines", "directory holding pipeline definitions")
	flags.StringVar(&c.envFile, "env-file", defaultEnvFile, "dotenv file loaded before reading the environment")
	flags.StringVar(&c.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&c.logFormat, "log-format", "text", "log format: text or json")
	flags.StringVar(&c.logFile, "log-file", "", "also write JSON logs to this rotating file")
	flags.StringArrayVar(&c.sets, "set", nil, "override a run parameter (key=value, repeatable)")

	root.AddCommand(newLiveCmd(c))
	root.AddCommand(newProcessCmd(c))
	root.AddCommand(newPipelinesCmd(c))
	root.AddCommand(newSourcesCmd(c))
	return root
}

// loadEnv reads the dotenv file. A missing default file is not an error.
func (c *cli) loadEnv(explicit bool) error {
	if c.envFile == "" {
		return nil
	}
	err := godotenv.Load(c.envFile)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load %s: %w", c.envFile, err)
}

func (c *cli) setupLogging() error {
	level, err := logging.ParseLevel(c.logLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(c.logFormat)
	if err != nil {
		return err
	}
	c.logger, c.closer = logging.NewTee(level, format, c.stderr, logging.FileConfig{Path: c.logFile})
	logging.SetDefault(c.logger)
	return nil
}

func (c *cli) close() {
	if c.closer != nil {
		_ = c.closer.Close()
		c.closer = nil
	}
}

// params assembles the run parameters for a command.
func (c *cli) params() (config.Params, error) {
	overrides, err := parseOverrides(c.sets)
	if err != nil {
		return nil, err
	}
	return config.Load(c.configFile, overrides)
}

func (c *cli) catalog() (*pipeline.Catalog, error) {
	return pipeline.LoadCatalog(c.pipelinesDir)
}

func (c *cli) modules() (*pipeline.Registry, error) {
	reg := pipeline.NewRegistry()
	if err := modules.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// parseOverrides turns key=value pairs into parameters. Values are decoded
// as YAML scalars so numbers and booleans keep their type.
func parseOverrides(sets []string) (config.Params, error) {
	out := config.Params{}
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: want key=value", s)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}
