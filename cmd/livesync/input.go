package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"basegraph.app/livesync/internal/liveness"
)

// controller is what terminal input drives. *session.Session satisfies it.
type controller interface {
	Signal(sig liveness.Signal)
	SetRoute(route string)
	SetContact(contactID *string)
	SetTyping(contactID string, isTyping bool)
}

// readInput treats every line as user interaction. Lines may also carry a
// command:
//
//	route <path>             report the current route
//	open <contact>           report the open conversation
//	close                    no conversation open
//	typing <contact> [off]   typing indicator
//	hide | show              visibility
func readInput(ctx context.Context, r io.Reader, c controller) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := handleLine(c, scanner.Text()); err != nil {
			slog.WarnContext(ctx, "ignoring input", "error", err)
		}
	}
}

func handleLine(c controller, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		c.Signal(liveness.SignalInteraction)
		return nil
	}

	switch fields[0] {
	case "hide":
		c.Signal(liveness.SignalHidden)
		return nil
	case "show":
		c.Signal(liveness.SignalVisible)
		return nil
	}

	c.Signal(liveness.SignalInteraction)

	switch fields[0] {
	case "route":
		if len(fields) != 2 {
			return fmt.Errorf("usage: route <path>")
		}
		c.SetRoute(fields[1])
	case "open":
		if len(fields) != 2 {
			return fmt.Errorf("usage: open <contact>")
		}
		contact := fields[1]
		c.SetContact(&contact)
	case "close":
		c.SetContact(nil)
	case "typing":
		if len(fields) < 2 || len(fields) > 3 {
			return fmt.Errorf("usage: typing <contact> [off]")
		}
		c.SetTyping(fields[1], len(fields) == 2 || fields[2] != "off")
	}
	return nil
}
