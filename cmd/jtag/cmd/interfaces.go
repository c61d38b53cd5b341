package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/usbconn"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List attached USB JTAG cables",
	Long: `Scan the USB buses for known cables (FTDI based, USB-Blaster, CMSIS-DAP) and
print the driver to pass to --cable for each one.`,
	Args: cobra.NoArgs,
	RunE: runInterfaces,
}

func init() {
	rootCmd.AddCommand(interfacesCmd)
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	found, err := usbconn.Discover(ctx)
	if err != nil {
		return jtagerr.Wrap(err, "discover interfaces")
	}

	out := cmd.OutOrStdout()
	if len(found) == 0 {
		fmt.Fprintln(out, "No interfaces found.")
		return nil
	}

	fmt.Fprintln(out, "Detected JTAG interfaces:")
	for _, f := range found {
		fmt.Fprintf(out, "  - %s [%s] (VID:PID %04X:%04X) --cable %s", f.Label(), f.Kind, f.VendorID, f.ProductID, f.Driver)
		if f.Serial != "" {
			fmt.Fprintf(out, " --cable-params serial=%s", f.Serial)
		}
		fmt.Fprintln(out)
	}
	return nil
}
