package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env before anything reads the environment.
	_ = godotenv.Load()

	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
