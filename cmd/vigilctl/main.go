// Package main is the vigilctl entrypoint. All commands live in
// internal/cli.
package main

import "github.com/vigil-daemon/vigil/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
