package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/tapflash/pkg/bus"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

var readmemCmd = &cobra.Command{
	Use:   "readmem ADDR LEN FILE",
	Short: "Dump bus memory to a file ('-' for stdout)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		adr, length, err := addrLen(args)
		if err != nil {
			return err
		}
		b, done, err := openBus()
		if err != nil {
			return err
		}
		defer done()

		var w io.Writer = cmd.OutOrStdout()
		if args[2] != "-" {
			f, err := os.Create(args[2])
			if err != nil {
				return jtagerr.IO(err, "create %s", args[2])
			}
			defer f.Close()
			w = f
		}
		return bus.ReadMem(b, adr, length, w, bigEndian)
	},
}

var writememCmd = &cobra.Command{
	Use:   "writemem ADDR LEN FILE",
	Short: "Write a file to bus memory ('-' for stdin)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		adr, length, err := addrLen(args)
		if err != nil {
			return err
		}
		b, done, err := openBus()
		if err != nil {
			return err
		}
		defer done()

		var r io.Reader = cmd.InOrStdin()
		if args[2] != "-" {
			f, err := os.Open(args[2])
			if err != nil {
				return jtagerr.IO(err, "open %s", args[2])
			}
			defer f.Close()
			r = f
		}
		return bus.WriteMem(b, adr, length, r, bigEndian)
	},
}

var peekCmd = &cobra.Command{
	Use:   "peek ADDR...",
	Short: "Read single bus words",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, done, err := openBus()
		if err != nil {
			return err
		}
		defer done()
		for _, a := range args {
			adr, err := parseNum("address", a)
			if err != nil {
				return err
			}
			area, err := b.Area(adr)
			if err != nil {
				return err
			}
			v, err := b.Read(adr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bus read [0x%08X] = 0x%0*X\n", adr, area.Width/4, v)
		}
		return nil
	},
}

var pokeCmd = &cobra.Command{
	Use:   "poke ADDR VALUE [ADDR VALUE]...",
	Short: "Write single bus words",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 || len(args)%2 != 0 {
			return jtagerr.Syntax("poke takes ADDR VALUE pairs")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		b, done, err := openBus()
		if err != nil {
			return err
		}
		defer done()
		for i := 0; i < len(args); i += 2 {
			adr, err := parseNum("address", args[i])
			if err != nil {
				return err
			}
			v, err := parseNum("value", args[i+1])
			if err != nil {
				return err
			}
			if err := b.Write(adr, v); err != nil {
				return err
			}
		}
		return nil
	},
}

func addrLen(args []string) (uint32, uint32, error) {
	adr, err := parseNum("address", args[0])
	if err != nil {
		return 0, 0, err
	}
	length, err := parseNum("length", args[1])
	if err != nil {
		return 0, 0, err
	}
	return adr, length, nil
}

func init() {
	rootCmd.AddCommand(readmemCmd)
	rootCmd.AddCommand(writememCmd)
	rootCmd.AddCommand(peekCmd)
	rootCmd.AddCommand(pokeCmd)
}
