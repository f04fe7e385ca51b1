package main

import (
	"os"

	"crowd/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		// Execute already reported the error.
		os.Exit(1)
	}
}
