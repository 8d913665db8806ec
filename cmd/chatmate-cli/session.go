package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"chatmate/internal/client/coordinator"
)

type sessionDeps struct {
	api      *coordinator.Client
	con      *console
	log      *slog.Logger
	dbPath   string
	realtime string
	origin   string
}

// runSession drives the coordinator: start, resume or log in, then read
// shell commands until quit or EOF.
func runSession(ctx context.Context, d sessionDeps) error {
	prefs, err := openPrefs(ctx, d.dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := prefs.Close(); err != nil {
			d.log.Error("client.prefs.close.fail", "err", err)
		}
	}()

	pub, err := d.api.PublicKey(ctx)
	if err != nil {
		return fmt.Errorf("fetch public key: %w", err)
	}
	reader, err := coordinator.NewPasetoReader(pub)
	if err != nil {
		return err
	}

	coord := coordinator.New(d.api, prefs, reader,
		coordinator.WithLogger(d.log),
		coordinator.WithListener(coordinator.WSListener{URL: d.realtime, Origin: d.origin}),
	)
	if err := coord.Start(ctx); err != nil {
		return err
	}
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printNotices(d.con, coord.Notices())
	}()
	defer func() {
		coord.Stop()
		<-printed
	}()

	ok, err := coord.Resume(ctx)
	if err != nil {
		d.con.Printf("Silent refresh failed: %v\n", err)
	}
	if !ok {
		if err := promptLogin(ctx, d.con, coord); err != nil {
			return err
		}
	}

	sh := shell{api: d.api, con: d.con, coord: coord}
	return sh.loop(ctx)
}

func printNotices(con *console, notices <-chan coordinator.Notice) {
	for n := range notices {
		switch n.Kind {
		case coordinator.NoticeAuthenticated:
			con.Printf("\n[signed in as %s, session %s, trusted=%v]\n", n.Username, n.SessionID, n.Trusted)
		case coordinator.NoticeLoggedOut:
			con.Printf("\n[session ended: %s] %s\n", n.Reason, n.Message)
		case coordinator.NoticeTrustChanged:
			con.Printf("\n[device trust changed: trusted=%v]\n", n.Trusted)
		}
	}
}

func promptLogin(ctx context.Context, con *console, coord *coordinator.Coordinator) error {
	for {
		username, err := con.ReadInput("Username: ")
		if err != nil {
			return err
		}
		pw, err := con.ReadPassword("Password: ")
		if err != nil {
			return err
		}
		trustAns, err := con.ReadInput("Trust this device? [y/N]: ")
		if err != nil {
			return err
		}
		trust := strings.EqualFold(trustAns, "y") || strings.EqualFold(trustAns, "yes")

		if _, err := coord.Login(ctx, username, pw, trust); err != nil {
			if coordinator.IsAuthError(err) {
				con.Println("Invalid username or password.")
				continue
			}
			return err
		}
		return nil
	}
}

type shell struct {
	api   *coordinator.Client
	con   *console
	coord *coordinator.Coordinator
}

const shellHelp = `Commands:
  status                  show the current session
  devices                 list devices of the signed-in account
  trust <device-id> on|off
  refresh                 refresh the access token now
  logout                  end the session
  login                   log in again
  quit                    exit (the session stays for a trusted device)`

func (s shell) loop(ctx context.Context) error {
	s.con.Println(shellHelp)
	for {
		line, err := s.con.ReadInput("> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		switch fields[0] {
		case "quit", "exit":
			return nil
		case "help":
			s.con.Println(shellHelp)
		default:
			if err := s.run(ctx, fields); err != nil {
				s.con.Printf("error: %v\n", err)
			}
		}
	}
}

func (s shell) run(ctx context.Context, fields []string) error {
	snap, err := s.coord.Snapshot()
	if err != nil {
		return err
	}

	switch fields[0] {
	case "status":
		if !snap.Authenticated {
			s.con.Println("not signed in")
			return nil
		}
		s.con.Printf("user=%s session=%s trusted=%v roles=%v\n", snap.Username, snap.SessionID, snap.Trusted, snap.Roles)
		return nil
	case "login":
		return promptLogin(ctx, s.con, s.coord)
	case "logout":
		return s.coord.Logout()
	case "refresh":
		return s.coord.Refresh(ctx)
	}

	if !snap.Authenticated {
		return errors.New("not signed in")
	}

	switch fields[0] {
	case "devices":
		devices, err := s.api.Devices(ctx, snap.AccessToken, snap.Username)
		if err != nil {
			return err
		}
		for _, d := range devices {
			marker := " "
			if d.ActiveSession == snap.SessionID && d.ActiveSession != "" {
				marker = "*"
			}
			s.con.Printf("%s %s ip=%s active=%v trusted=%v last=%s ua=%q\n",
				marker, d.ID, d.IP, d.Active, d.Trusted, d.LastActivity.Local().Format("2006-01-02 15:04"), d.UserAgent)
		}
		return nil
	case "trust":
		if len(fields) != 3 || (fields[2] != "on" && fields[2] != "off") {
			return errors.New("usage: trust <device-id> on|off")
		}
		d, err := s.api.SetTrust(ctx, snap.AccessToken, snap.Username, fields[1], fields[2] == "on")
		if err != nil {
			return err
		}
		s.con.Printf("device %s trusted=%v\n", d.ID, d.Trusted)
		return nil
	default:
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
}
