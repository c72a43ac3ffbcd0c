package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rjboer/satstream/internal/app"
	"github.com/rjboer/satstream/internal/config"
	"github.com/rjboer/satstream/internal/sdr"
	"github.com/rjboer/satstream/internal/telemetry"
)

// liveFlagKeys maps live command flags onto run parameters.
var liveFlagKeys = map[string]string{
	"source":     config.KeySource,
	"frequency":  config.KeyFrequency,
	"samplerate": config.KeySamplerate,
	"timeout":    config.KeyTimeout,
}

// applyFlags copies the flags set on the command line into params.
func applyFlags(flags *pflag.FlagSet, params config.Params) {
	flags.Visit(func(f *pflag.Flag) {
		if key, ok := liveFlagKeys[f.Name]; ok {
			params[key] = f.Value.String()
		}
	})
}

func newLiveCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "live <pipeline> <output>",
		Short: "Capture from a source and run a pipeline live",
		Long: `Capture samples from the configured source and feed them to the live
steps of a pipeline. In multi-VFO mode (multi_vfo set) the pipeline
argument is ignored and each VFO names its own pipeline.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := c.params()
			if err != nil {
				return err
			}
			applyFlags(cmd.Flags(), params)

			catalog, err := c.catalog()
			if err != nil {
				return err
			}
			reg, err := c.modules()
			if err != nil {
				return err
			}
			live, err := app.New(app.Config{
				Pipeline:  args[0],
				OutputDir: args[1],
				Params:    params,
				Catalog:   catalog,
				Modules:   reg,
				Sources:   sdr.DefaultRegistry(),
				Reporter:  telemetry.NewStdoutReporter(c.logger),
			}, c.logger)
			if err != nil {
				return err
			}
			return live.Run(cmd.Context())
		},
	}
	cmd.Flags().String("source", "", "source type (overrides the source parameter)")
	cmd.Flags().Float64("frequency", 0, "center frequency in Hz")
	cmd.Flags().Float64("samplerate", 0, "sample rate in Hz")
	cmd.Flags().String("timeout", "", "stop after this long (e.g. 90s or 1.5m)")
	return cmd
}
