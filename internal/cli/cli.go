package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// Command is the racer subcommand.
type Command string

const (
	// CommandServe runs the REST API (the default).
	CommandServe Command = "serve"
	// CommandSend sends one stored batch and prints its results.
	CommandSend Command = "send"
	// CommandList prints the stored requests and batches.
	CommandList Command = "list"
	// CommandCompare diffs two response groups of a sent batch.
	CommandCompare Command = "compare"
)

// CLIArgs are the command-line arguments of one racer invocation. Empty
// strings and false mean "use the configured default".
type CLIArgs struct {
	Command Command

	// EnvFile is loaded before the RACER_* variables are read.
	EnvFile string

	StorageRoot string
	ListenAddr  string
	Insecure    bool

	// Batch is the batch sent, listed or compared.
	Batch  string
	Tables bool
	Groups bool

	// RequestID, Group1 and Group2 select the groups of CommandCompare.
	RequestID string
	Group1    int
	Group2    int

	// RawArgs is the original args slice (useful for debugging/tests).
	RawArgs []string
}

// ErrHelp is returned when usage was requested.
var ErrHelp = flag.ErrHelp

// ParseArgs parses a slice of args and returns CLIArgs. The first argument
// selects the command; without one the command is serve. The function is
// deterministic and does not read os.Args.
func ParseArgs(args []string) (*CLIArgs, error) {
	out := &CLIArgs{Command: CommandServe, RawArgs: args}
	rest := args
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		out.Command = Command(args[0])
		rest = args[1:]
	}

	fs := flag.NewFlagSet("racer "+string(out.Command), flag.ContinueOnError)
	// Ensure Parse doesn't write to stdout/stderr in tests
	fs.SetOutput(io.Discard)

	fs.StringVar(&out.EnvFile, "env", ".env", "dotenv file loaded before RACER_* variables")
	fs.StringVar(&out.StorageRoot, "storage", "", "directory holding the state database and rendered responses")
	fs.BoolVar(&out.Insecure, "insecure", false, "skip TLS certificate verification of targets")

	switch out.Command {
	case CommandServe:
		fs.StringVar(&out.ListenAddr, "listen", "", "REST API listen address")
	case CommandSend:
		fs.StringVar(&out.Batch, "batch", "", "name of the batch to send (required)")
		fs.BoolVar(&out.Tables, "tables", false, "print status/length/header tables")
		fs.BoolVar(&out.Groups, "groups", false, "print every group representative")
	case CommandList:
		fs.StringVar(&out.Batch, "batch", "", "also print the items and results of this batch")
		fs.BoolVar(&out.Tables, "tables", false, "print status/length/header tables")
		fs.BoolVar(&out.Groups, "groups", false, "print every group representative")
	case CommandCompare:
		fs.StringVar(&out.Batch, "batch", "", "name of the batch (required)")
		fs.StringVar(&out.RequestID, "request", "", "request id whose groups are compared (required)")
		fs.IntVar(&out.Group1, "g1", 0, "first group")
		fs.IntVar(&out.Group2, "g2", 1, "second group")
	default:
		return nil, fmt.Errorf("unknown command %q (want serve, send, list or compare)", out.Command)
	}

	if err := fs.Parse(rest); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	needsBatch := out.Command == CommandSend || out.Command == CommandCompare
	if needsBatch && strings.TrimSpace(out.Batch) == "" {
		return nil, errors.New("missing required -batch argument")
	}
	if out.Command == CommandCompare && strings.TrimSpace(out.RequestID) == "" {
		return nil, errors.New("missing required -request argument")
	}
	return out, nil
}

// Usage describes the commands and their flags.
const Usage = `usage: racer [serve|send|list|compare] [flags]

  serve    run the REST API for capture extensions (default)
           -listen addr
  send     send a stored batch and print its results
           -batch name (required) -tables -groups
  list     print stored requests and batches
           -batch name -tables -groups
  compare  diff two response groups of a request
           -batch name -request id (both required) -g1 n -g2 n

common flags: -env file (default .env) -storage dir -insecure
`
