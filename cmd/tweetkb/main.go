// Package main provides the entry point for the tweetkb CLI.
package main

import (
	"os"

	"github.com/randalmurphal/tweetkb/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
