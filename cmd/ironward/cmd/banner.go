package cmd

import (
	"fmt"
	"io"
)

const banner = `
  ___                                     _
 |_ _|_ __ ___  _ ____      ____ _ _ __ __| |
  | || '__/ _ \| '_ \ \ /\ / / _` + "`" + ` | '__/ _` + "`" + ` |
  | || | | (_) | | | \ V  V / (_| | | | (_| |
 |___|_|  \___/|_| |_|\_/\_/ \__,_|_|  \__,_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m\n", banner)
	fmt.Fprintf(w, "\x1b[32m  Password vault server - Version %s\x1b[0m\n\n", Version)
}
