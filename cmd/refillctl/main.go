// refillctl imports transactions and runs refill reports offline.
package main

import (
	"os"

	"github.com/opensource-finance/refill/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
