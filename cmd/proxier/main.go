// Command proxier is an authenticating reverse proxy for OpenAI-compatible
// chat and completion APIs. Every proxied exchange is streamed back to the
// client unmodified and written to an interaction log.
//
// Usage:
//
//	# Start with config.yaml (if present) and the environment
//	proxier
//
//	# Override the listen address
//	proxier --host 127.0.0.1 --port 9000
//
//	# Use an explicit configuration file
//	proxier --config /etc/proxier/config.yaml
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
