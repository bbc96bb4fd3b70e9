package main

import (
	"log"
	"os"
)

func main() {
	// Configure logging with microsecond timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
