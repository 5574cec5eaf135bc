// ./main.go
package main

import (
	"github.com/joho/godotenv"

	"github.com/lifelinkhq/matchflow/cmd"
)

// main is the entry point for the matchflow service.
func main() {
	// Load a local .env file if present; real environment variables win.
	_ = godotenv.Load()

	cmd.Execute()
}
