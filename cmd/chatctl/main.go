// Command chatctl inspects and repairs a peerchat Badger data directory.
// Stop the server first; Badger holds an exclusive lock on the directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/tutorly/peerchat/internal/storage"
)

const usage = `usage: chatctl [-data DIR] <command> [flags]

commands:
  list   -user ID      list the conversations a user takes part in
  check                walk every conversation and report unreadable records
  delete -a ID -b ID   remove the conversation between two users
`

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("chatctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	dataDir := global.String("data", "data/peerchat", "badger data directory")
	if err := global.Parse(args); err != nil {
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cmd, cmdArgs := rest[0], rest[1:]
	var handler func(context.Context, *storage.BadgerStore, []string, io.Writer) error
	switch cmd {
	case "list":
		handler = listCmd
	case "check":
		handler = checkCmd
	case "delete":
		handler = deleteCmd
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s", cmd, usage)
		return 2
	}

	store, err := storage.OpenBadger(*dataDir, nil)
	if err != nil {
		fmt.Fprintf(stderr, "open %s: %v\n", *dataDir, err)
		return 1
	}
	defer func() { _ = store.Close(ctx) }()

	if err := handler(ctx, store, cmdArgs, stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(stderr, usage)
			return 2
		}
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func listCmd(ctx context.Context, store *storage.BadgerStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	userID := fs.String("user", "", "user id")
	if err := fs.Parse(args); err != nil || *userID == "" {
		return errUsage
	}

	entries, err := store.ListIndexEntries(ctx, *userID)
	if err != nil {
		return err
	}

	table := newTable(out, "Conversation", "Participant A", "Participant B", "Created")
	for _, e := range entries {
		table.Append([]string{e.ConversationID, e.ParticipantA, e.ParticipantB, e.CreatedAt.UTC().Format(time.RFC3339)})
	}
	table.Render()
	return nil
}

func checkCmd(ctx context.Context, store *storage.BadgerStore, args []string, out io.Writer) error {
	if len(args) != 0 {
		return errUsage
	}

	table := newTable(out, "Key", "Status", "Messages", "Detail")
	var total, corrupt int
	err := store.Scan(ctx, func(r storage.ScanResult) error {
		total++
		if r.Err != nil {
			corrupt++
			table.Append([]string{r.Key, "CORRUPT", "-", r.Err.Error()})
			return nil
		}
		table.Append([]string{r.Key, "ok", strconv.Itoa(len(r.Conversation.Messages)), ""})
		return nil
	})
	if err != nil {
		return err
	}
	table.Render()

	fmt.Fprintf(out, "%d conversations, %d corrupt\n", total, corrupt)
	if corrupt > 0 {
		return fmt.Errorf("%d corrupt records", corrupt)
	}
	return nil
}

func deleteCmd(ctx context.Context, store *storage.BadgerStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	a := fs.String("a", "", "first participant")
	b := fs.String("b", "", "second participant")
	if err := fs.Parse(args); err != nil || *a == "" || *b == "" {
		return errUsage
	}

	deleted, err := store.Delete(ctx, *a, *b)
	if err != nil {
		return err
	}
	if !deleted {
		fmt.Fprintf(out, "no conversation between %s and %s\n", *a, *b)
		return nil
	}
	fmt.Fprintf(out, "deleted conversation between %s and %s\n", *a, *b)
	return nil
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}
