package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/tapflash/pkg/cable"
	"github.com/OpenTraceLab/tapflash/pkg/chain"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/tap"
)

var (
	shiftNoReset bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the JTAG chain",
	Long:  `Pulse TRST and walk every TAP controller through Test-Logic-Reset into Run-Test/Idle.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCable()
		if err != nil {
			return err
		}
		defer c.Disconnect()
		if err := chain.NewController(c).Reset(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Chain reset, TAP in", tap.StateRunTestIdle)
		return nil
	},
}

var shiftCmd = &cobra.Command{
	Use:   "shift ir|dr BITS [ir|dr BITS]...",
	Short: "Scan bit patterns through the instruction or data registers",
	Long: `Reset the chain and shift each pattern in turn, printing what comes out
of TDO. BITS are written most significant bit first; '_' may separate groups.

Example:
  jtag shift ir 1110 dr 00000000_00000000_00000000_00000000`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 || len(args)%2 != 0 {
			return jtagerr.Syntax("shift takes pairs of ir|dr and BITS")
		}
		return nil
	},
	RunE: runShift,
}

var frequencyCmd = &cobra.Command{
	Use:   "frequency [FREQ]",
	Short: "Set or show the TCK frequency",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCable()
		if err != nil {
			return err
		}
		defer c.Disconnect()
		if len(args) == 1 {
			f, err := parseFrequency(args[0])
			if err != nil {
				return err
			}
			if err := c.SetFrequency(f); err != nil {
				return err
			}
		}
		if f := c.Frequency(); f > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Frequency: %s\n", f)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Frequency: maximum")
		}
		return nil
	},
}

var podCmd = &cobra.Command{
	Use:   "pod SIGNAL=0|1...",
	Short: "Drive cable signals directly",
	Long:  `Set pod lines such as TRST or RESET and print the resulting line levels.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var mask, val cable.Signal
		for _, a := range args {
			name, level, ok := strings.Cut(a, "=")
			sig, known := cable.ParseSignal(name)
			if !ok || !known || (level != "0" && level != "1") {
				return jtagerr.Syntax("bad signal setting %q", a)
			}
			mask |= sig
			if level == "1" {
				val |= sig
			}
		}
		c, err := openCable()
		if err != nil {
			return err
		}
		defer c.Disconnect()
		if _, err := c.SetSignal(mask, val); err != nil {
			return err
		}
		for _, a := range args {
			name, _, _ := strings.Cut(a, "=")
			sig, _ := cable.ParseSignal(name)
			v, err := c.GetSignal(sig)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%d\n", sig, b2i(v))
		}
		return nil
	},
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func init() {
	shiftCmd.Flags().BoolVar(&shiftNoReset, "no-reset", false, "assume the TAP is in Test-Logic-Reset instead of resetting first")

	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(shiftCmd)
	rootCmd.AddCommand(frequencyCmd)
	rootCmd.AddCommand(podCmd)
}

func runShift(cmd *cobra.Command, args []string) error {
	c, err := openCable()
	if err != nil {
		return err
	}
	defer c.Disconnect()

	ctl := chain.NewController(c)
	if !shiftNoReset {
		if err := ctl.Reset(); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	for i := 0; i < len(args); i += 2 {
		bits, err := chain.ParseBits(args[i+1])
		if err != nil {
			return err
		}
		var got []bool
		switch strings.ToLower(args[i]) {
		case "ir":
			got, err = ctl.ShiftIR(bits, true, tap.StateRunTestIdle)
		case "dr":
			got, err = ctl.ShiftDR(bits, true, tap.StateRunTestIdle)
		default:
			return jtagerr.Syntax("register must be ir or dr, not %q", args[i])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s", strings.ToUpper(args[i]), chain.FormatBits(got))
		if len(got) <= 32 && len(got) > 0 {
			fmt.Fprintf(out, " (0x%0*X)", (len(got)+3)/4, chain.Uint32(got))
		}
		fmt.Fprintln(out)
	}
	return nil
}
