// Package main はchatshare CLIのエントリーポイント。
package main

import (
	"context"
	"os"

	"github.com/hitoshi/chatshare/internal/app"
)

// ビルド時に -ldflags で埋め込む
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	app.SetBuildInfo(version, commit, buildTime)
	if err := app.Run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
