package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rjboer/satstream/internal/pipeline"
)

func newProcessCmd(c *cli) *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "process <pipeline> <input> <output>",
		Short: "Run a pipeline offline on a recorded file",
		Long: `Run the steps of a pipeline file to file. With --level the input is
taken to be at that level and only the later steps run.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseOverrides(c.sets)
			if err != nil {
				return err
			}
			catalog, err := c.catalog()
			if err != nil {
				return err
			}
			p, err := catalog.Get(args[0])
			if err != nil {
				return err
			}
			reg, err := c.modules()
			if err != nil {
				return err
			}
			produced, err := p.Run(cmd.Context(), pipeline.RunRequest{
				Input:      args[1],
				OutputDir:  args[2],
				Params:     overrides,
				InputLevel: level,
				Registry:   reg,
				Logger:     c.logger,
			})
			for _, f := range produced {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&level, "level", "l", "", "level the input file is at")
	return cmd
}
