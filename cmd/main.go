package main

import (
	"os"

	"github.com/R4f0so/quiz-corp/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
