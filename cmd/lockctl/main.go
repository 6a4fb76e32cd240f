// Command lockctl is a command-line client for a quorumlock cluster.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/quorumlock/quorumlock/client"
	"github.com/quorumlock/quorumlock/types"
)

var (
	endpoints = flag.String("endpoints", "127.0.0.1:50051", "Comma-separated client addresses of the cluster")
	clientID  = flag.String("id", "", "Client ID (generated when empty)")
	timeout   = flag.Duration("timeout", 10*time.Second, "Overall operation timeout")
)

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if flag.NArg() < 1 {
		showUsage()
		os.Exit(2)
	}
	command := flag.Arg(0)
	args := flag.Args()[1:]

	if command == "help" {
		showUsage()
		return
	}

	c, err := client.NewClient(client.Config{
		Endpoints: strings.Split(*endpoints, ","),
		ClientID:  types.ClientID(*clientID),
	})
	if err != nil {
		exitWithError("Error creating client", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch command {
	case "acquire":
		handleAcquire(ctx, c, args)
	case "release":
		handleRelease(ctx, c, args)
	case "cancel":
		handleCancel(ctx, c, args)
	case "status":
		handleStatus(ctx, c, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		showUsage()
		os.Exit(2)
	}
}

func handleAcquire(ctx context.Context, c *client.Client, args []string) {
	cmd := flag.NewFlagSet("acquire", flag.ExitOnError)
	modeFlag := cmd.String("mode", "exclusive", "Lock mode: shared or exclusive")
	try := cmd.Bool("try", false, "Fail immediately instead of waiting in the queue")
	resource := resourceArg(cmd, args, "acquire")

	mode, err := parseMode(*modeFlag)
	if err != nil {
		exitWithError("Invalid mode", err)
	}

	var lk *client.Lock
	if *try {
		lk, err = c.TryAcquire(ctx, resource, mode)
	} else {
		lk, err = c.Acquire(ctx, resource, mode)
	}
	switch {
	case errors.Is(err, client.ErrConflict):
		fmt.Fprintf(os.Stderr, "Resource '%s' is held in a conflicting mode\n", resource)
		os.Exit(1)
	case errors.Is(err, client.ErrDeadlockAborted):
		fmt.Fprintf(os.Stderr, "Wait aborted: acquiring '%s' would deadlock\n", resource)
		os.Exit(1)
	case err != nil:
		exitWithError("Error acquiring lock", err)
	}

	fmt.Printf("Acquired %s lock on '%s'\n", mode, resource)
	fmt.Printf("Token: %s\n", lk.Token)
	fmt.Printf("Release with: lockctl -id %s release -token %s %s\n", c.ClientID(), lk.Token, resource)
}

func handleRelease(ctx context.Context, c *client.Client, args []string) {
	cmd := flag.NewFlagSet("release", flag.ExitOnError)
	token := cmd.String("token", "", "Grant token printed by acquire")
	resource := resourceArg(cmd, args, "release")

	if *token == "" {
		fmt.Fprintln(os.Stderr, "Release requires -token")
		os.Exit(2)
	}
	if err := c.Release(ctx, resource, *token); err != nil {
		if errors.Is(err, client.ErrNotHeld) {
			fmt.Fprintf(os.Stderr, "No lock held on '%s' for this client and token\n", resource)
			os.Exit(1)
		}
		exitWithError("Error releasing lock", err)
	}
	fmt.Printf("Released lock on '%s'\n", resource)
}

func handleCancel(ctx context.Context, c *client.Client, args []string) {
	cmd := flag.NewFlagSet("cancel", flag.ExitOnError)
	resource := resourceArg(cmd, args, "cancel")

	if err := c.CancelWait(ctx, resource); err != nil {
		if errors.Is(err, client.ErrNotWaiting) {
			fmt.Fprintf(os.Stderr, "Not waiting on '%s'\n", resource)
			os.Exit(1)
		}
		exitWithError("Error cancelling wait", err)
	}
	fmt.Printf("Cancelled wait on '%s'\n", resource)
}

func handleStatus(ctx context.Context, c *client.Client, args []string) {
	var resource types.ResourceID
	if len(args) > 0 {
		resource = types.ResourceID(args[0])
	}

	resp, err := c.Status(ctx, resource)
	if err != nil {
		exitWithError("Error querying status", err)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		exitWithError("Error rendering status", err)
	}
	fmt.Println(string(out))
}

func resourceArg(cmd *flag.FlagSet, args []string, name string) types.ResourceID {
	_ = cmd.Parse(args)
	if cmd.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Resource ID required for %s command\n", name)
		os.Exit(2)
	}
	return types.ResourceID(cmd.Arg(0))
}

func parseMode(s string) (types.LockMode, error) {
	switch strings.ToLower(s) {
	case "shared", "s":
		return types.ModeShared, nil
	case "exclusive", "x":
		return types.ModeExclusive, nil
	}
	return 0, fmt.Errorf("unknown mode %q, want shared or exclusive", s)
}

func exitWithError(message string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", message, err)
	} else {
		fmt.Fprintf(os.Stderr, "%s\n", message)
	}
	os.Exit(1)
}

func showUsage() {
	fmt.Println("lockctl controls distributed locks on a quorumlock cluster")
	fmt.Println("\nUsage:")
	fmt.Println("  lockctl [global-options] <command> [command-options] <resource-id>")
	fmt.Println("\nGlobal Options:")
	fmt.Println("  -endpoints string  Comma-separated cluster addresses (default \"127.0.0.1:50051\")")
	fmt.Println("  -id string         Client ID (generated when empty)")
	fmt.Println("  -timeout duration  Overall operation timeout (default 10s)")
	fmt.Println("\nCommands:")
	fmt.Println("  acquire [-mode shared|exclusive] [-try] <resource-id>")
	fmt.Println("      Acquire a lock, waiting in the queue unless -try is given")
	fmt.Println("  release -token <token> <resource-id>")
	fmt.Println("      Release a held lock using the token printed by acquire")
	fmt.Println("  cancel <resource-id>")
	fmt.Println("      Abandon a queued acquire")
	fmt.Println("  status [resource-id]")
	fmt.Println("      Print node status and, optionally, one resource's lock table entry")
	fmt.Println("\nExamples:")
	fmt.Println("  lockctl acquire orders/42")
	fmt.Println("  lockctl acquire -mode shared -try reports/daily")
	fmt.Println("  lockctl -id worker-1 release -token 5f3c... orders/42")
	fmt.Println("  lockctl status orders/42")
}
