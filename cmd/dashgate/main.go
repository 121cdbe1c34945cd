/*
This command starts the gateway.

For the list of command line options, run:

	dashgate -help

The options can also be set in a YAML file passed with -config-file. The
flags given on the command line take precedence over the file.
*/
package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dashgate/dashgate"
	"github.com/dashgate/dashgate/config"
)

var (
	version string
	commit  string
)

func main() {
	cfg := config.NewConfig()

	var printVersion bool
	cfg.Flags.BoolVar(&printVersion, "version", false, "print version and exit")

	if err := cfg.Parse(); err != nil {
		log.Fatalf("Error processing config: %s", err)
	}

	if printVersion {
		fmt.Printf("dashgate version %s (commit: %s)\n", version, commit)
		return
	}

	if f := cfg.EnvFile(); f != "" {
		log.Infof("loaded environment from %s", f)
	}

	o, err := cfg.ToOptions()
	if err != nil {
		log.Fatal(err)
	}

	if err := dashgate.Run(o); err != nil {
		log.Fatal(err)
	}
}
