package main

import "github.com/OpenTraceLab/tapflash/cmd/jtag/cmd"

func main() {
	cmd.Execute()
}
