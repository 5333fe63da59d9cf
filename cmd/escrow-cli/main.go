package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bookingescrow/cmd/internal/secret"
	"bookingescrow/gateway/middleware"
)

const (
	defaultEndpoint = "http://localhost:8547/rpc"
	secretEnvVar    = "ESCROW_AUTH_SECRET"
	noAuthEnvVar    = "ESCROW_NO_AUTH"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	client := &rpcClient{
		endpoint:   defaultEndpointFromEnv(),
		caller:     strings.TrimSpace(os.Getenv("ESCROW_CALLER")),
		secret:     secret.NewSource(secretEnvVar, "Enter escrow auth secret: "),
		noAuth:     envBool(noAuthEnvVar),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	fs := flag.NewFlagSet("escrow-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	fs.StringVar(&client.endpoint, "rpc", client.endpoint, "JSON-RPC endpoint")
	fs.StringVar(&client.caller, "as", client.caller, "bech32 identity to act as")
	fs.StringVar(&client.issuer, "issuer", "", "token issuer claim")
	fs.StringVar(&client.audience, "audience", "", "token audience claim")
	fs.BoolVar(&client.noAuth, "no-auth", client.noAuth, "send --as in the "+middleware.HeaderCaller+" header instead of a token")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	cli := &cli{client: client, stdout: stdout, stderr: stderr}
	switch rest[0] {
	case "booking":
		return cli.runBooking(rest[1:])
	case "roles":
		return cli.runRoles(rest[1:])
	case "events":
		return cli.runEvents(rest[1:])
	case "balance":
		return cli.runBalance(rest[1:])
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func defaultEndpointFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("ESCROW_RPC_URL")); v != "" {
		return v
	}
	return defaultEndpoint
}

func envBool(name string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(name)))
	return err == nil && v
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli [--rpc URL] [--as IDENTITY] [--no-auth] <command> [flags]

Commands:
  booking create   --id ID --payee IDENTITY --amount N
  booking verify   --id ID --passed=true|false
  booking release  --id ID
  booking refund   --id ID
  booking penalty  --id ID
  booking timeout  --id ID
  booking dispute  --id ID
  booking resolve  --id ID --winner payee|payer
  booking get      --id ID
  booking list
  roles grant      --role oracle|arbiter --identity IDENTITY
  roles revoke     --role oracle|arbiter --identity IDENTITY
  roles check      --role oracle|arbiter --identity IDENTITY
  roles members    --role oracle|arbiter
  events           [--after SEQ] [--limit N] [--booking ID] [--format json|jsonl|csv] [--parquet FILE]
  balance          [--address IDENTITY] [--custody]

Mutating commands sign a token for --as with the secret from ` + secretEnvVar + `.
With --no-auth (or ` + noAuthEnvVar + `=true) they name --as in the ` + middleware.HeaderCaller + ` header,
which only a node running with authentication disabled accepts.`)
}

type cli struct {
	client *rpcClient
	stdout io.Writer
	stderr io.Writer
}

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.Usage = func() { fmt.Fprintln(c.stderr, usage()) }
	return fs
}

func (c *cli) fail(msg string) int {
	fmt.Fprintf(c.stderr, "Error: %s\n", msg)
	return 1
}

// invoke performs the call and prints the result or error.
func (c *cli) invoke(method string, params interface{}, requireAuth bool) int {
	result, rpcErr, err := c.client.call(method, params, requireAuth)
	if err != nil {
		fmt.Fprintf(c.stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		fmt.Fprintf(c.stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		if len(rpcErr.Data) > 0 {
			fmt.Fprintf(c.stderr, "  %s\n", strings.TrimSpace(string(rpcErr.Data)))
		}
		return 1
	}
	writeResult(c.stdout, result)
	return 0
}
