package main

import (
	"fmt"
	"os"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rgateway:", err)
		os.Exit(1)
	}
}
