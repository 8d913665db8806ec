// Command chatmate-cli is a terminal client for the chatmate session service.
// It keeps one session alive, reacts to forced logouts and trust changes
// pushed over the realtime channel, and persists its trust preference.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatmate/internal/client/coordinator"
	"chatmate/internal/client/storage/boltdb"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "Server URL")
	dbPath := flag.String("db", "chatmate-client.db", "Path to local preferences database")
	origin := flag.String("origin", "http://localhost", "Origin header for the realtime handshake")
	verbose := flag.Bool("v", false, "Log client events to stderr")
	flag.Usage = printUsage
	flag.Parse()

	var logOut io.Writer = io.Discard
	if *verbose {
		logOut = os.Stderr
	}
	log := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	args := flag.Args()
	command := "session"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api, err := coordinator.NewClient(*serverURL)
	if err != nil {
		fatal(err)
	}
	con := newConsole()

	switch command {
	case "register":
		err = runRegister(ctx, api, con)
	case "logout-id":
		err = runLogoutID(ctx, api, args)
	case "session":
		err = runSession(ctx, sessionDeps{
			api:      api,
			con:      con,
			log:      log,
			dbPath:   *dbPath,
			realtime: realtimeURL(*serverURL),
			origin:   *origin,
		})
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: chatmate-cli [flags] [command]

Commands:
  session            log in (or resume on a trusted device) and open a shell (default)
  register           create an account
  logout-id <sid>    force-logout a session id

Flags:
`)
	flag.PrintDefaults()
}

func runRegister(ctx context.Context, api *coordinator.Client, con *console) error {
	username, err := con.ReadInput("Username: ")
	if err != nil {
		return err
	}
	pw, err := con.ReadPassword("Password: ")
	if err != nil {
		return err
	}
	if err := api.Register(ctx, username, pw); err != nil {
		return err
	}
	con.Printf("Registered %s\n", username)
	return nil
}

func runLogoutID(ctx context.Context, api *coordinator.Client, args []string) error {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return errors.New("usage: chatmate-cli logout-id <session-id>")
	}
	return api.ForceLogout(ctx, strings.TrimSpace(args[0]))
}

func realtimeURL(server string) string {
	u, err := url.Parse(server)
	if err != nil {
		return server
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

func openPrefs(ctx context.Context, path string) (*boltdb.Storage, error) {
	st, err := boltdb.New(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open preferences %s: %w", path, err)
	}
	return st, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
