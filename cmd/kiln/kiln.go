package main

import (
	"os"

	"github.com/kilnhq/kiln/internal/cli"
)

// Runs the kiln CLI.
//
// Exit codes: 0 success, 1 operation failure, 2 usage error. Parse-time
// exits (bad flags, --help) unwind through a recoverable panic so the
// usage convention holds there too.
func main() {
	defer func() {
		if code := cli.RecoverExit(); code >= 0 {
			os.Exit(code)
		}
	}()

	os.Exit(cli.Execute())
}
