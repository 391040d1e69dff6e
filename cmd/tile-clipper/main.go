package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/withObsrvr/obsrvr-tile-clipper/internal/config"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

// errTotalLoss is returned when tiles were attempted and none was stored.
var errTotalLoss = errors.New("every tile failed")

func main() {
	os.Exit(exitCode(newRootCmd().Execute()))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalidConfig):
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitConfig
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitFailed
	}
}
