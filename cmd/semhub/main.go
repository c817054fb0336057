// Package main is the entry point for the semantext-hub registry service.
package main

import (
	"os"

	"github.com/kneelinghorse/semantext-hub/cmd/semhub/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
