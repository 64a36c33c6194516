package main

import (
	"github.com/joho/godotenv"

	"github.com/stewardhq/steward/cmd"
)

func main() {
	// Pick up API keys from a local .env when present.
	_ = godotenv.Load()
	cmd.Execute()
}
