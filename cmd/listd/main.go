package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

func main() {
	// Dispatch to a subcommand before flag.Parse() so the chosen function
	// owns flag parsing. Strip the subcommand from os.Args so flag.Parse
	// sees only flags.
	var subcommand string
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		subcommand = os.Args[1]
		os.Args = append(os.Args[:1], os.Args[2:]...)
	}

	var err error
	switch subcommand {
	case "", "master":
		err = runMaster()
	case "runner":
		err = runRunner()
	case "inject":
		err = runInject()
	case "send-digests":
		err = runSendDigests()
	case "unshunt":
		err = runUnshunt()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\nusage: listd [master|runner|inject|send-digests|unshunt] [flags]\n", subcommand)
		os.Exit(1)
	}
	if err != nil {
		var ec exitCode
		if errors.As(err, &ec) {
			os.Exit(int(ec))
		}
		fmt.Fprintf(os.Stderr, "listd %s: %v\n", subcommand, err)
		os.Exit(1)
	}
}
