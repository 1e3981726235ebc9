package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

const version = "1.0.0"

// app holds global options parsed from the command line
type app struct {
	configPath string
	account    string
	verbose    bool
}

func main() {
	a := &app{}

	flag.StringVarP(&a.configPath, "config", "c", "", "Config file (default: $EMX_MAIL_CONFIG or ~/.emx-mail/config.yaml)")
	flag.StringVar(&a.account, "account", "", "Account name or email to use")
	flag.BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.CommandLine.SetInterspersed(false)
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("msgserver v%s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	cmd, cmdArgs := args[0], args[1:]

	var err error
	switch cmd {
	case "init":
		err = a.handleInit()
	case "credential":
		err = a.handleCredential(cmdArgs)
	case "run":
		err = a.handleRun(parseRunFlags(cmdArgs))
	case "retrieve":
		err = a.handleRetrieve(parseRetrieveFlags(cmdArgs))
	case "complete":
		err = a.handleComplete(cmdArgs)
	case "send":
		err = a.handleSend(parseSendFlags(cmdArgs))
	case "search":
		err = a.handleSearch(parseSearchFlags(cmdArgs))
	case "ack":
		err = a.handleAck(cmdArgs)
	case "events":
		err = a.handleEvents(cmdArgs)
	case "export":
		err = a.handleExport(parseExportFlags(cmdArgs))
	case "show":
		err = a.handleShow(parseShowFlags(cmdArgs))
	case "help":
		printUsage()
		return
	default:
		fatal("unknown command '%s'", cmd)
	}
	if err != nil {
		fatal("%s: %v", cmd, err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `msgserver v%s - Message server for email, SMS, MMS and instant messages

Usage:
  msgserver [global options] <command> [command options]

Commands:
  run          Run the server: poll accounts, push deletions, journal events
  retrieve     Preview an account and optionally download the new messages
  complete     Download the bodies of previewed messages
  send         Compose a message into the outbox and send it
  search       Search stored messages
  ack          Acknowledge new messages of the given kinds
  events       List, acknowledge and inspect the event journal
  export       Export stored messages as mbox
  show         Print stored messages with their decoded bodies
  init         Write an example configuration file
  credential   Store or delete account passwords in the system keyring

Global Options:
  -c, --config <path>  Config file
  --account <name>     Account name or email to use
  -v, --verbose        Verbose output
  --version            Show version information

Run Options:
  --roaming            Only check accounts with roaming_check enabled

Retrieve Options:
  --folders-only       Refresh the folder list only
  --all                Download every previewed message that is not yet complete

Complete:
  msgserver complete <message-id>...

Send Options:
  --to <addrs>           Recipients (comma-separated)
  --cc <addrs>           CC recipients (comma-separated)
  --subject <text>       Subject
  --text <text>          Plain text body
  --text-file <path>     Plain text body from file ("-" for stdin)
  --html <html>          HTML body
  --attachment <path>    Attachment file path (repeatable)
  --in-reply-to <msgid>  Message-ID to reply to
  --id <id>              Resend stored outbox messages instead (repeatable)
  --dry-run              Print the composed message without storing it

Search Options:
  --kind <kind>          email, sms, mms, instant or system
  --folder <id>          Restrict to a folder
  --body <text>          Text the body must contain
  --unread-only          Only unread messages

Ack:
  msgserver ack [kind]...   (default: all kinds)

Events:
  msgserver events list [--reader <name>] [--limit <n>] [--json]
  msgserver events mark [--reader <name>] <file:offset>
  msgserver events status [file]
  msgserver events files
  msgserver events readers

Show:
  msgserver show [--format text|html] [--save-attachments <dir>] <message-id>...

Export Options:
  --folder <id>          Restrict to a folder
  --output <path>        Output file (default: stdout)

Credential:
  msgserver credential set <account> <imap|pop3|smtp|gateway> [password]
  msgserver credential delete <account> <imap|pop3|smtp|gateway>
`, version)
}
