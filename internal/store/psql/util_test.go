package psql

import (
	"os"
	"os/signal"
)

// waitForInterrupt blocks until SIGINT is received by the process.
func waitForInterrupt() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	<-ch
}
