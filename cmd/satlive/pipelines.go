package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPipelinesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "List the available pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := c.catalog()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			names := catalog.Names()
			if len(names) == 0 {
				fmt.Fprintf(out, "no pipelines in %s\n", c.pipelinesDir)
				return nil
			}
			for _, name := range names {
				p, err := catalog.Get(name)
				if err != nil {
					return err
				}
				steps := make([]string, len(p.Steps))
				for i, s := range p.Steps {
					mark := ""
					if i < len(p.Live.NormalLive) {
						mark = "*"
					}
					steps[i] = fmt.Sprintf("%s%s(%s)", s.Module, mark, s.Level)
				}
				title := name
				if p.ReadableName != "" {
					title = fmt.Sprintf("%s (%s)", name, p.ReadableName)
				}
				fmt.Fprintf(out, "%s\t%s\n", title, strings.Join(steps, " -> "))
			}
			return nil
		},
	}
}
