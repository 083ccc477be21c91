package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"chatsync/internal/daemon"
	"chatsync/internal/session"
)

func main() {
	userFlag := flag.String("user", "", "user id (overrides config default)")
	serverFlag := flag.String("server", "", "backend server URL (overrides config)")
	listenFlag := flag.String("listen", "", "control API listen address (default 127.0.0.1:7680)")
	flag.Parse()

	_ = godotenv.Load(".env")

	userID := session.Resolve(*userFlag)
	if userID == "" {
		fmt.Fprintln(os.Stderr, "error: no user id; pass --user or set default_user in config")
		os.Exit(1)
	}
	if err := session.ValidateUserID(userID); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			UserID:     userID,
			ServerURL:  *serverFlag,
			ListenAddr: *listenFlag,
		}),
	)

	app.Run()
}
