package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/tapflash/pkg/cable"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

var cablesCmd = &cobra.Command{
	Use:   "cables [DRIVER]",
	Short: "List cable drivers or show the parameters of one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if len(args) == 1 {
			info, ok := cable.Lookup(args[0])
			if !ok {
				return jtagerr.NotFound("unknown cable driver %q", args[0])
			}
			info.Help(out)
			return nil
		}

		fmt.Fprintln(out, "Supported JTAG cables:")
		tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
		for _, d := range cable.Drivers() {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", d.Name, d.Transport, d.Description)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(cablesCmd)
}
