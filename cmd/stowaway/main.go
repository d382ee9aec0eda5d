// Stowaway is an offline cache agent for single-page applications. It sits
// in front of the application as an HTTP proxy, precaches the app shell at
// startup and answers requests cache-first with a network fallback.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/stowaway.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	installOnly := flag.Bool("install-only", false, "run install and activate, then exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("stowaway", version)
		os.Exit(0)
	}

	if err := run(*configPath, *installOnly); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
