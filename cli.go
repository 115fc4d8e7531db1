package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"chatrelay/internal/store"
)

// errUsage is returned for a subcommand invoked with bad arguments.
var errUsage = errors.New("usage")

const cliTimeout = 10 * time.Second

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(ctx context.Context, args []string, storeURL string, out io.Writer) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(out, "chatrelay %s\n", Version)
		return true, nil
	case "status":
		return true, cliStatus(ctx, storeURL, out)
	case "history":
		return true, cliHistory(ctx, args[1:], storeURL, out)
	default:
		return false, nil
	}
}

func openCLIStore(ctx context.Context, storeURL string) (*store.Messages, error) {
	msgs, err := store.Open(ctx, storeURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return msgs, nil
}

func cliStatus(ctx context.Context, storeURL string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	msgs, err := openCLIStore(ctx, storeURL)
	if err != nil {
		return err
	}
	defer msgs.Close(ctx)

	n, err := msgs.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Store: %s\n", storeURL)
	fmt.Fprintf(out, "Messages: %d\n", n)
	fmt.Fprintf(out, "Version: %s\n", Version)
	return nil
}

const historyUsage = "history [room] [-limit N] [-json]"

// cliHistory prints stored messages newest first.
func cliHistory(ctx context.Context, args []string, storeURL string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(out)
	limit := fs.Int("limit", store.DefaultLimit, "maximum number of messages")
	asJSON := fs.Bool("json", false, "print messages as JSON")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %w", errUsage, historyUsage, err)
	}
	// Flags may also follow the room.
	var room string
	if fs.NArg() > 0 {
		room = fs.Arg(0)
		if err := fs.Parse(fs.Args()[1:]); err != nil {
			return fmt.Errorf("%w: %s: %w", errUsage, historyUsage, err)
		}
		if fs.NArg() > 0 {
			return fmt.Errorf("%w: %s", errUsage, historyUsage)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	msgs, err := openCLIStore(ctx, storeURL)
	if err != nil {
		return err
	}
	defer msgs.Close(ctx)

	hist, err := msgs.Recent(ctx, room, *limit)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(hist)
	}
	if len(hist) == 0 {
		fmt.Fprintln(out, "No messages found.")
		return nil
	}
	for _, m := range hist {
		scope := m.RoomID
		if scope == "" {
			scope = "*"
		}
		fmt.Fprintf(out, "%s [%s] %s: %s\n",
			m.CreatedAt.Format(time.RFC3339), scope, m.DisplaySender(), m.Text)
	}
	return nil
}
