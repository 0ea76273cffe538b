// Command queuefleet launches one worker process per queue group and
// supervises the fleet until it is told to stop or a worker dies.
package main

import (
	"context"
	"fmt"
	"os"
)

// TODO: Inject version at build time.
const version = "0.0.1"

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err.Error())
		os.Exit(1)
	}
}
