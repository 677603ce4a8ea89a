package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _                 _   _ _
 | |_ _ __ _   _ __| |_| (_)_ __   ___
 | __| '__| | | / __| __| | | '_ \ / _ \
 | |_| |  | |_| \__ \ |_| | | | | |  __/
  \__|_|   \__,_|___/\__|_|_|_| |_|\___|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m\n", banner)
	fmt.Fprintf(w, "\x1b[32m  Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
