// Command rgfling runs the RG Fling wallet server and client.
package main

import (
	"fmt"
	"os"

	"github.com/rg-fling/rgfling/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
