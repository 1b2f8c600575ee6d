package main

import (
	"fmt"
	"os"

	"github.com/maciej-peta/oauth-chmury/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "imgconv-web: %v\n", err)
		os.Exit(1)
	}
}
