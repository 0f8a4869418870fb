// Command zsentineld is the process-lineage monitor's controller-thread
// entry point: it wires the CLI flags from spec §6 into a config.Config
// and runs the controller until interrupted.
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/proclineage/zsentinel/internal/cli"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	root := cli.NewRootCommand(log)
	if err := root.Execute(); err != nil {
		log.WithError(err).Error("zsentineld: fatal")
		os.Exit(1)
	}
}
