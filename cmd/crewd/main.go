package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version 在构建时通过 -ldflags "-X main.Version=..." 注入。
var Version = "dev"

// main 是 crewd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(Run(ctx, os.Args[1:]))
}
