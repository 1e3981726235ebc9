package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	flag "github.com/spf13/pflag"

	"github.com/emx-mail/msgserver/pkgs/event"
)

const defaultReader = "cli"

// handleEvents inspects the event journal without starting the server.
func (a *app) handleEvents(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("expected list, mark, status, files or readers")
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	j, err := event.Open(cfg.EventsDir)
	if err != nil {
		return err
	}

	sub, args := args[0], args[1:]
	fs := flag.NewFlagSet("events "+sub, flag.ExitOnError)
	reader := fs.String("reader", defaultReader, "Reader whose cursor is used")
	limit := fs.IntP("limit", "n", 0, "Maximum events to list (0 = all)")
	asJSON := fs.Bool("json", false, "Print events as JSON lines")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch sub {
	case "list", "ls":
		return listEvents(j, *reader, *limit, *asJSON)
	case "mark":
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: msgserver events mark [--reader <name>] <file:offset>")
		}
		pos, err := event.ParsePosition(fs.Arg(0))
		if err != nil {
			return err
		}
		if err := j.Ack(*reader, pos); err != nil {
			return err
		}
		fmt.Printf("Reader %s acknowledged up to %s\n", *reader, pos)
		return nil
	case "status":
		return eventStatus(j, fs.Arg(0))
	case "files":
		files, err := j.Files()
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return nil
	case "readers":
		return listReaders(j)
	}
	return fmt.Errorf("unknown events command %q", sub)
}

func listEvents(j *event.Journal, reader string, limit int, asJSON bool) error {
	entries, err := j.Read(reader, limit)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	if len(entries) == 0 {
		fmt.Println("No new events.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tTIME\tKIND\tACCOUNT\tDATA\tPOSITION\n")
	for i, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			i+1, e.Time.Local().Format("2006-01-02 15:04:05"), e.Kind, e.Account,
			truncate(string(e.Data), 60), e.Position)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	last := entries[len(entries)-1].Position
	fmt.Printf("\nAcknowledge with: msgserver events mark --reader %s %s\n", reader, last)
	return nil
}

func eventStatus(j *event.Journal, name string) error {
	st, err := j.Status(name)
	if err != nil {
		return err
	}
	fmt.Printf("File:              %s\n", st.Name)
	fmt.Printf("Latest:            %v\n", st.Latest)
	fmt.Printf("Records:           %d\n", st.Records)
	fmt.Printf("Uncompressed size: %s\n", formatBytes(st.UncompressedSize))
	fmt.Printf("Compressed size:   %s\n", formatBytes(st.CompressedSize))
	if st.UncompressedSize > 0 {
		fmt.Printf("Ratio:             %.1f%%\n", float64(st.CompressedSize)*100/float64(st.UncompressedSize))
	}
	if st.FirstLineHash != "" {
		fmt.Printf("First line hash:   %s\n", st.FirstLineHash)
	}
	return nil
}

func listReaders(j *event.Journal) error {
	readers, err := j.Readers()
	if err != nil {
		return err
	}
	if len(readers) == 0 {
		fmt.Println("No readers.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "READER\tPOSITION\tUPDATED\n")
	for _, r := range readers {
		c, err := j.Cursor(r)
		if err != nil || c == nil {
			continue
		}
		pos := event.Position{File: c.File, Offset: c.Offset}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r, pos, c.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
