// Package main provides the adherencectl command line entry point.
package main

import "github.com/drfirst/go-adherence/internal/cli"

func main() {
	cli.Execute()
}
