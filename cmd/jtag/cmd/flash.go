package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/tapflash/pkg/flash"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

var (
	flashBase   uint32
	noVerify    bool
	noErase     bool
	imageFormat string
)

var detectflashCmd = &cobra.Command{
	Use:   "detectflash [ADDR]",
	Short: "Detect parallel flash on the bus",
	Long: `Probe for CFI, JEDEC or AMD 29xx040 flash at ADDR (default --flash-base)
and print the query structure and chip identification.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			adr, err := parseNum("address", args[0])
			if err != nil {
				return err
			}
			flashBase = adr
		}
		s, done, err := openFlash(cmd)
		if err != nil {
			return err
		}
		defer done()
		if err := s.PrintInfo(cmd.OutOrStdout()); err != nil {
			return err
		}
		_, err = s.Driver()
		return err
	},
}

var flashmemCmd = &cobra.Command{
	Use:   "flashmem [ADDR|msbin] FILE",
	Short: "Program flash memory with data from a file",
	Long: `Erase the touched blocks and program FILE, then read it back.

A raw binary image needs ADDR. Intel HEX files carry their own addresses and
MS .bin (WinCE) images their own records; they are recognized by extension
and content, or forced with --format.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runFlashmem,
}

var eraseflashCmd = &cobra.Command{
	Use:   "eraseflash ADDR BLOCKS",
	Short: "Erase flash blocks starting at ADDR",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return blockOp(cmd, args, func(s *flash.Session, adr uint32, n int) error {
			return s.Erase(adr, n)
		})
	},
}

var lockflashCmd = &cobra.Command{
	Use:   "lockflash ADDR BLOCKS",
	Short: "Lock flash blocks starting at ADDR",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return blockOp(cmd, args, func(s *flash.Session, adr uint32, n int) error {
			return s.Lock(adr, n, false)
		})
	},
}

var unlockflashCmd = &cobra.Command{
	Use:   "unlockflash ADDR BLOCKS",
	Short: "Unlock flash blocks starting at ADDR",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return blockOp(cmd, args, func(s *flash.Session, adr uint32, n int) error {
			return s.Lock(adr, n, true)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{detectflashCmd, flashmemCmd, eraseflashCmd, lockflashCmd, unlockflashCmd} {
		c.Flags().Uint32Var(&flashBase, "flash-base", 0, "bus address the flash array starts at")
		rootCmd.AddCommand(c)
	}
	flashmemCmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip reading the image back")
	flashmemCmd.Flags().BoolVar(&noErase, "no-erase", false, "program without erasing first")
	flashmemCmd.Flags().StringVar(&imageFormat, "format", "auto", "image format: auto, bin, hex or msbin")
}

// openFlash detects the flash at --flash-base on the selected bus.
func openFlash(cmd *cobra.Command) (*flash.Session, func() error, error) {
	b, done, err := openBus()
	if err != nil {
		return nil, nil, err
	}
	s := flash.NewSession(b, flashBase)
	s.Out = cmd.OutOrStdout()
	if _, err := s.Detect(); err != nil {
		done()
		return nil, nil, err
	}
	return s, done, nil
}

func blockOp(cmd *cobra.Command, args []string, op func(s *flash.Session, adr uint32, n int) error) error {
	adr, err := parseNum("address", args[0])
	if err != nil {
		return err
	}
	n, err := parseNum("block count", args[1])
	if err != nil {
		return err
	}
	if n == 0 {
		return jtagerr.Invalid("block count is 0")
	}
	s, done, err := openFlash(cmd)
	if err != nil {
		return err
	}
	defer done()
	return op(s, adr, int(n))
}

// sniffFormat picks the image format from the file name and first bytes.
func sniffFormat(name string, head []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".hex", ".ihex", ".ihx":
		return "hex"
	}
	if bytes.HasPrefix(head, []byte("B000FF\n")) {
		return "msbin"
	}
	if len(head) > 0 && head[0] == ':' {
		return "hex"
	}
	return "bin"
}

func runFlashmem(cmd *cobra.Command, args []string) error {
	format := strings.ToLower(imageFormat)
	name := args[len(args)-1]
	var adr uint32
	haveAdr := false
	if len(args) == 2 {
		if strings.EqualFold(args[0], "msbin") {
			format = "msbin"
		} else {
			a, err := parseNum("address", args[0])
			if err != nil {
				return err
			}
			adr, haveAdr = a, true
		}
	}

	f, err := os.Open(name)
	if err != nil {
		return jtagerr.IO(err, "open %s", name)
	}
	defer f.Close()

	if format == "auto" {
		head := make([]byte, 7)
		n, err := io.ReadFull(f, head)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return jtagerr.IO(err, "read %s", name)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return jtagerr.IO(err, "rewind %s", name)
		}
		format = sniffFormat(name, head[:n])
	}

	opts := flash.Options{BigEndian: bigEndian, Verify: !noVerify, NoErase: noErase}
	switch format {
	case "bin":
		if !haveAdr {
			return jtagerr.Syntax("flashmem: a raw binary image needs ADDR")
		}
	case "hex", "msbin":
	default:
		return jtagerr.Invalid("unknown image format %q", format)
	}

	s, done, err := openFlash(cmd)
	if err != nil {
		return err
	}
	defer done()

	switch format {
	case "hex":
		err = s.FlashHex(f, opts)
	case "msbin":
		err = s.FlashMsbin(f, opts)
	default:
		err = s.FlashMem(adr, f, opts)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Programmed %s\n", name)
	return nil
}
