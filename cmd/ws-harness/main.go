// ws-harness drives a real synchronization engine against a broker from the
// terminal, for interactive protocol testing.
//
// Usage:
//
//	ws-harness -server ws://localhost:8080 -session demo -name alice -secret dev-secret
//
// Commands on stdin:
//
//	set <path> <json-value>   propose a mutation, e.g. set physics.gravity 5.0
//	get                       print the current document snapshot
//	who                       print the presence roster
//	cursor <x> <y>            broadcast cursor position
//	conflicts                 list unresolved conflicts
//	resolve <id> <local|remote>
//	quit
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ericfitz/huc/collab"
	"github.com/ericfitz/huc/internal/slogging"
	"github.com/ericfitz/huc/server"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080", "broker base URL (ws:// or wss://)")
	sessionID := flag.String("session", "demo", "session id to join")
	name := flag.String("name", "harness", "display name")
	secret := flag.String("secret", "", "JWT secret for self-issued token")
	token := flag.String("token", "", "pre-issued bearer token (overrides -secret)")
	flag.Parse()

	_ = slogging.Initialize(slogging.Config{
		Level:            slogging.LogLevelInfo,
		IsDev:            true,
		LogDir:           "logs",
		AlsoLogToConsole: false,
	})

	participantID := uuid.New().String()
	authToken := *token
	if authToken == "" {
		if *secret == "" {
			fmt.Fprintln(os.Stderr, "either -token or -secret is required")
			os.Exit(1)
		}
		var err error
		authToken, err = server.NewToken(server.Identity{
			ParticipantID: participantID,
			DisplayName:   *name,
			Role:          collab.RoleEditor,
		}, []byte(*secret), time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
			os.Exit(1)
		}
	}

	engine, err := collab.NewEngine(collab.Config{
		ServerURL:     strings.TrimRight(*serverURL, "/") + "/ws/" + *sessionID,
		SessionID:     *sessionID,
		ParticipantID: participantID,
		DisplayName:   *name,
		Role:          collab.RoleEditor,
		AuthToken:     authToken,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build engine: %v\n", err)
		os.Exit(1)
	}

	engine.Connection().OnTransition(func(t collab.StateTransition) {
		fmt.Printf("\n[connection] %s -> %s (%s)\n> ", t.From, t.To, t.Reason)
	})
	engine.Presence().Observe(func(e collab.PresenceEvent) {
		switch e.Kind {
		case collab.PresenceJoined:
			fmt.Printf("\n[presence] %s joined\n> ", e.Participant.DisplayName)
		case collab.PresenceLeft:
			tag := ""
			if e.Synthetic {
				tag = " (timed out)"
			}
			fmt.Printf("\n[presence] %s left%s\n> ", e.Participant.DisplayName, tag)
		}
	})
	engine.OnConflict(func(c collab.Conflict) {
		fmt.Printf("\n[conflict] %s on %v: resolve with 'resolve %s local' or 'resolve %s remote'\n> ",
			c.ID, c.Paths, c.ID, c.ID)
	})
	engine.OnMutationRejected(func(n collab.RejectionNotice) {
		fmt.Printf("\n[rejected] %s: %s (change rolled back)\n> ", n.LocalID, n.Reason)
	})

	if err := engine.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		engine.Close()
		os.Exit(0)
	}()

	fmt.Printf("joined session %s as %s (%s)\n", *sessionID, *name, participantID)
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		handleCommand(engine, line)
		if line == "quit" {
			return
		}
		fmt.Print("> ")
	}
}

func handleCommand(engine *collab.Engine, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "set":
		if len(fields) < 3 {
			fmt.Println("usage: set <path> <json-value>")
			return
		}
		var value any
		raw := strings.Join(fields[2:], " ")
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			// Treat unparseable input as a bare string
			value = raw
		}
		localID, err := engine.Propose(collab.Patch{fields[1]: value})
		if err != nil {
			fmt.Printf("propose failed: %v\n", err)
			return
		}
		fmt.Printf("proposed %s\n", localID)

	case "get":
		snap := engine.Store().Get()
		pretty, _ := json.MarshalIndent(snap.Document, "", "  ")
		fmt.Printf("version %d\n%s\n", snap.Version, pretty)

	case "who":
		for _, p := range engine.Presence().ListActive() {
			cursor := ""
			if p.Cursor != nil {
				cursor = fmt.Sprintf(" @(%.0f,%.0f)", p.Cursor.X, p.Cursor.Y)
			}
			fmt.Printf("%s (%s, %s)%s\n", p.DisplayName, p.ID, p.Role, cursor)
		}

	case "cursor":
		if len(fields) != 3 {
			fmt.Println("usage: cursor <x> <y>")
			return
		}
		x, errX := strconv.ParseFloat(fields[1], 64)
		y, errY := strconv.ParseFloat(fields[2], 64)
		if errX != nil || errY != nil {
			fmt.Println("usage: cursor <x> <y>")
			return
		}
		if err := engine.UpdateCursor(collab.Cursor{X: x, Y: y}); err != nil {
			fmt.Printf("cursor failed: %v\n", err)
		}

	case "conflicts":
		for _, c := range engine.Unresolved() {
			fmt.Printf("%s on %v (local %v vs remote %v)\n", c.ID, c.Paths, c.Local.Patch, c.Remote.Patch)
		}

	case "resolve":
		if len(fields) != 3 {
			fmt.Println("usage: resolve <conflict-id> <local|remote>")
			return
		}
		choice := collab.ChoiceKeepLocal
		if fields[2] == "remote" {
			choice = collab.ChoiceKeepRemote
		}
		if err := engine.Resolve(fields[1], choice); err != nil {
			fmt.Printf("resolve failed: %v\n", err)
			return
		}
		fmt.Println("resolved")

	case "quit":

	default:
		fmt.Println("commands: set, get, who, cursor, conflicts, resolve, quit")
	}
}
