// Command cargobay runs the Cargo Bay registry proxy.
package main

import (
	"os"

	"github.com/cargobay/cargobay/cmd/cargobay/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
