package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/tapflash/pkg/logging"
)

var (
	// Global flags
	cableName   string
	cableParams string
	frequency   string
	busSpec     string
	bigEndian   bool
	logLevel    string
	noColor     bool
)

var rootCmd = &cobra.Command{
	Use:   "jtag",
	Short: "JTAG cable control and parallel NOR flash programming",
	Long: `Drive a JTAG cable through its operation queue and program CFI/JEDEC
NOR flash reachable on a memory bus.

Examples:
  jtag cables                                          # List cable drivers
  jtag reset --cable sim --cable-params idcodes=0x4BA00477
  jtag shift dr 00000000_00000000_00000000_00000000 --cable sim --cable-params idcodes=0x4BA00477
  jtag detectflash --bus "devmem base=0x1C000000 size=0x2000000 width=16"
  jtag flashmem 0x0 u-boot.bin --bus "sim family=amd"`,
	Version:       "0.9.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.SetLevel(logLevel); err != nil {
			return err
		}
		logging.SetColors(!noColor)
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cableName, "cable", "c", "sim", "cable driver (see 'jtag cables')")
	pf.StringVarP(&cableParams, "cable-params", "p", "", "cable parameters, e.g. \"vid=0x0403 pid=0x6010\"")
	pf.StringVarP(&frequency, "frequency", "f", "", "TCK frequency, e.g. 1MHz (default: driver maximum)")
	pf.StringVarP(&busSpec, "bus", "b", "", "memory bus: \"devmem base=ADDR size=N width=8|16|32\" or \"sim family=amd|intel\"")
	pf.BoolVar(&bigEndian, "big-endian", false, "treat bus words as big endian")
	pf.StringVar(&logLevel, "log-level", "warning", "log level (debug, info, warning, error)")
	pf.BoolVar(&noColor, "no-color", false, "disable colored log output")
}
