package main

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/rjboer/satstream/internal/mdns"
	"github.com/rjboer/satstream/internal/sdr"
)

// discover is swapped out in tests.
var discover = mdns.DiscoverIIOD

type sourceListing struct {
	Sources    []sdr.Descriptor `json:"sources"`
	Discovered []mdns.Host      `json:"discovered,omitempty"`
}

func newSourcesCmd(c *cli) *cobra.Command {
	var (
		scan   bool
		wait   time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List the sample sources that can be opened",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listing := sourceListing{Sources: sdr.DefaultRegistry().List()}
			if scan {
				hosts, err := discover(cmd.Context(), wait)
				if err != nil {
					return fmt.Errorf("discover: %w", err)
				}
				listing.Discovered = hosts
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(listing)
			}
			for _, d := range listing.Sources {
				fmt.Fprintf(out, "%s\t%s\t%s\n", d.Type, d.ID, d.Name)
			}
			if scan {
				fmt.Fprintf(out, "\nIIOD hosts (%d found):\n", len(listing.Discovered))
				for _, h := range listing.Discovered {
					fmt.Fprintf(out, "  %s\t%s\t%s\n", h.Instance, h.Hostname, h.URI())
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&scan, "discover", false, "browse the network for IIOD devices over mDNS")
	cmd.Flags().DurationVar(&wait, "discover-timeout", 3*time.Second, "how long to browse for")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the listing as JSON")
	return cmd
}
