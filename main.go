package main

import (
	"context"
	"log/slog"
	"os"
)

// App is the global application state, set up once at process start.
var App *PoolApp

func main() {
	App = initApp()

	err := App.cliCmd.Run(context.Background(), os.Args)
	if err != nil {
		slog.Error("Error", "msg", err)
		os.Exit(1)
	}
}
