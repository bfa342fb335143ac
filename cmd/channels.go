package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"loopdrop/models"
	"loopdrop/registry"
)

func newChannelsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "channels [folder...]",
		Short: "Print the channel table, or the channel each folder name maps to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, logger, err := opts.load()
			if err != nil {
				return err
			}
			reg, err := registry.New(
				registry.PortRange{BasePort: cfg.BasePort, TotalChannels: cfg.TotalChannels},
				cfg.Channels,
				registry.Options{Logger: logger},
			)
			if err != nil {
				return err
			}

			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if len(args) > 0 {
				fmt.Fprintln(out, "FOLDER\tCHANNEL\tPORT\tDESTINATION")
				for _, folder := range args {
					// Same name a poller hashes for this folder.
					name := models.WatchedFolder{Path: folder}.Name()
					channel := reg.ChannelForFolder(name)
					port, err := reg.ResolvePort(channel)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s\t%d\t%d\t%s\n", folder, channel, port, reg.DestinationDir(cfg.ReceivedRoot, channel))
				}
				return out.Flush()
			}

			fmt.Fprintln(out, "CHANNEL\tPORT\tENABLED\tDESTINATION")
			for _, ch := range reg.Channels() {
				fmt.Fprintf(out, "%d\t%d\t%t\t%s\n", ch.ID, ch.Port, ch.Enabled, reg.DestinationDir(cfg.ReceivedRoot, ch.ID))
			}
			return out.Flush()
		},
	}
}
