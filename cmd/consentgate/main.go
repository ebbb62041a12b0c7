package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/relaymesh/consentgate/pkg/config"
	"github.com/relaymesh/consentgate/pkg/consent"
	"github.com/relaymesh/consentgate/pkg/contracts"
	"github.com/relaymesh/consentgate/pkg/envelope"
	"github.com/relaymesh/consentgate/pkg/wal"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "issue":
		return runIssueCmd(args[2:], stdout, stderr)
	case "evaluate":
		return runCheckCmd(args[2:], stdout, stderr, false)
	case "consume":
		return runCheckCmd(args[2:], stdout, stderr, true)
	case "revoke":
		return runRevokeCmd(args[2:], stdout, stderr)
	case "contain":
		return runContainCmd(args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(args[2:], stdout, stderr)
	case "tail":
		return runTailCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "ConsentGate")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  consentgate <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "TOKENS:")
	fmt.Fprintln(w, "  issue      Mint a consent token (--tool, --session, --tier, --context)")
	fmt.Fprintln(w, "  evaluate   Dry-run a token check (--jti, --tool, --session, ...)")
	fmt.Fprintln(w, "  consume    Check and consume a token")
	fmt.Fprintln(w, "  revoke     Revoke tokens (--jti | --session | --tenant)")
	fmt.Fprintln(w, "  contain    Quarantine a session or tenant and revoke its tokens")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "FORENSICS:")
	fmt.Fprintln(w, "  status     Show tokens, recent decisions, and quarantine state")
	fmt.Fprintln(w, "  tail       Print WAL events (--since-ms, --correlation, --limit)")
	fmt.Fprintln(w, "  verify     Check store integrity, or a sealed envelope (--envelope)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "All commands accept --config pointing at a consentgate YAML file.")
}

// resolveRuntime loads configuration and assembles the gate.
func resolveRuntime(configPath string) (*consent.Runtime, error) {
	if configPath == "" {
		configPath = os.Getenv("CONSENTGATE_CONFIG")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return consent.NewResolver().Resolve(context.Background(), cfg)
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}

func runIssueCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("issue", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		req        consent.IssueRequest
	)
	cmd.StringVar(&configPath, "config", "", "Path to config file")
	cmd.StringVar(&req.Tool, "tool", "", "Tool the token authorizes (REQUIRED)")
	cmd.StringVar(&req.SessionKey, "session", "", "Session key (REQUIRED)")
	cmd.StringVar(&req.TrustTier, "tier", "", "Trust tier")
	cmd.StringVar(&req.ContextHash, "context", "", "Canonical argument hash")
	cmd.StringVar(&req.BundleHash, "bundle", "", "Policy bundle hash to pin")
	cmd.StringVar(&req.IssuedBy, "issued-by", "", "Approver identity")
	cmd.StringVar(&req.TenantID, "tenant", "", "Tenant id")
	cmd.StringVar(&req.CorrelationID, "correlation", "", "Correlation id")
	cmd.Int64Var(&req.TTLMs, "ttl-ms", 0, "Token lifetime in milliseconds")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if req.Tool == "" || req.SessionKey == "" {
		fmt.Fprintln(stderr, "Error: --tool and --session are required")
		return 2
	}

	rt, err := resolveRuntime(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if req.TrustTier == "" {
		req.TrustTier = rt.Tiers.Resolve(req.SessionKey)
	}

	tok, d, err := rt.Engine.Issue(context.Background(), req)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, map[string]any{"decision": d, "token": tok})
	if !d.Allowed {
		return 1
	}
	return 0
}

func runCheckCmd(args []string, stdout, stderr io.Writer, consume bool) int {
	name := "evaluate"
	if consume {
		name = "consume"
	}
	cmd := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		req        consent.CheckRequest
	)
	cmd.StringVar(&configPath, "config", "", "Path to config file")
	cmd.StringVar(&req.JTI, "jti", "", "Token id (REQUIRED)")
	cmd.StringVar(&req.Tool, "tool", "", "Tool being invoked (REQUIRED)")
	cmd.StringVar(&req.SessionKey, "session", "", "Session key (REQUIRED)")
	cmd.StringVar(&req.TrustTier, "tier", "", "Trust tier")
	cmd.StringVar(&req.ContextHash, "context", "", "Canonical argument hash")
	cmd.StringVar(&req.BundleHash, "bundle", "", "Policy bundle hash")
	cmd.StringVar(&req.TenantID, "tenant", "", "Tenant id")
	cmd.StringVar(&req.CorrelationID, "correlation", "", "Correlation id")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if req.Tool == "" || req.SessionKey == "" {
		fmt.Fprintln(stderr, "Error: --tool and --session are required")
		return 2
	}

	rt, err := resolveRuntime(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if req.TrustTier == "" {
		req.TrustTier = rt.Tiers.Resolve(req.SessionKey)
	}

	var d consent.Decision
	if consume {
		d, err = rt.Engine.Consume(context.Background(), req)
	} else {
		d, err = rt.Engine.Evaluate(context.Background(), req)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, d)
	if !d.Allowed {
		return 1
	}
	return 0
}

func runRevokeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("revoke", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		sel        consent.RevokeSelector
	)
	cmd.StringVar(&configPath, "config", "", "Path to config file")
	cmd.StringVar(&sel.JTI, "jti", "", "Revoke a single token")
	cmd.StringVar(&sel.SessionKey, "session", "", "Revoke every token in a session")
	cmd.StringVar(&sel.TenantID, "tenant", "", "Revoke every token of a tenant")
	cmd.StringVar(&sel.CorrelationID, "correlation", "", "Correlation id")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if sel.JTI == "" && sel.SessionKey == "" && sel.TenantID == "" {
		fmt.Fprintln(stderr, "Error: one of --jti, --session, or --tenant is required")
		return 2
	}

	rt, err := resolveRuntime(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	n, err := rt.Engine.Revoke(context.Background(), sel)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, map[string]any{"revoked": n})
	return 0
}

func runContainCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("contain", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		req        consent.ContainRequest
	)
	cmd.StringVar(&configPath, "config", "", "Path to config file")
	cmd.StringVar(&req.SessionKey, "session", "", "Session key to quarantine")
	cmd.StringVar(&req.TenantID, "tenant", "", "Tenant to quarantine")
	cmd.StringVar(&req.CorrelationID, "correlation", "", "Correlation id")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if req.SessionKey == "" && req.TenantID == "" {
		fmt.Fprintln(stderr, "Error: --session or --tenant is required")
		return 2
	}

	rt, err := resolveRuntime(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	n, err := rt.Engine.Contain(context.Background(), req)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, map[string]any{"quarantined": true, "revoked": n})
	return 0
}

func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		q          consent.StatusQuery
	)
	cmd.StringVar(&configPath, "config", "", "Path to config file")
	cmd.StringVar(&q.SessionKey, "session", "", "Restrict to one session")
	cmd.StringVar(&q.TenantID, "tenant", "", "Restrict to one tenant")
	cmd.Int64Var(&q.SinceMs, "since-ms", 0, "Only events at or after this epoch ms")
	cmd.IntVar(&q.Limit, "limit", 0, "Max events to return")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	rt, err := resolveRuntime(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	report, err := rt.Engine.Status(context.Background(), q)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, report)
	return 0
}

func runTailCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("tail", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		f          wal.Filter
	)
	cmd.StringVar(&configPath, "config", "", "Path to config file")
	cmd.Int64Var(&f.SinceMs, "since-ms", 0, "Only events at or after this epoch ms")
	cmd.Int64Var(&f.UntilMs, "until-ms", 0, "Only events at or before this epoch ms")
	cmd.StringVar(&f.CorrelationID, "correlation", "", "Filter by correlation id")
	cmd.IntVar(&f.Limit, "limit", 0, "Max events to print")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	rt, err := resolveRuntime(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	reader, ok := rt.WAL.(wal.Reader)
	if !ok {
		fmt.Fprintln(stderr, "Error: configured WAL does not support reading")
		return 1
	}
	events, err := reader.Read(context.Background(), f)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, ev := range events {
		line, _ := json.Marshal(ev)
		fmt.Fprintln(stdout, string(line))
	}
	return 0
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		sealed     string
		key        string
		prune      bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to config file (store integrity mode)")
	cmd.StringVar(&sealed, "envelope", "", "Sealed token envelope to verify instead")
	cmd.StringVar(&key, "key", "", "HS256 signing key; defaults to CONSENTGATE_ENVELOPE_KEY")
	cmd.BoolVar(&prune, "prune", false, "Also transition overdue tokens to expired")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if sealed != "" {
		if key == "" {
			key = os.Getenv("CONSENTGATE_ENVELOPE_KEY")
		}
		if key == "" {
			fmt.Fprintln(stderr, "Error: no signing key provided")
			return 2
		}
		claims, err := envelope.Open(sealed, []byte(key))
		if err != nil {
			fmt.Fprintf(stderr, "Verification failed: %v\n", err)
			return 1
		}
		printJSON(stdout, map[string]any{"valid": true, "claims": claims})
		return 0
	}

	return verifyStore(configPath, prune, stdout, stderr)
}

// verifyStore walks the durable token store and reports lifecycle
// anomalies: tokens past their expiry that are still marked issued.
func verifyStore(configPath string, prune bool, stdout, stderr io.Writer) int {
	rt, err := resolveRuntime(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if !rt.Config.Enabled {
		printJSON(stdout, map[string]any{"enabled": false})
		return 0
	}
	ctx := context.Background()

	tokens, err := rt.Store.List(ctx, "")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	nowMs := time.Now().UnixMilli()
	counts := map[contracts.TokenStatus]int{}
	overdue := 0
	for _, tok := range tokens {
		counts[tok.Status]++
		if tok.Status == contracts.StatusIssued && tok.ExpiredAt(nowMs) {
			overdue++
		}
	}

	pruned := 0
	if prune && overdue > 0 {
		pruned, err = rt.Store.PruneExpired(ctx, nowMs)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	printJSON(stdout, map[string]any{
		"tokens":          len(tokens),
		"issued":          counts[contracts.StatusIssued],
		"consumed":        counts[contracts.StatusConsumed],
		"revoked":         counts[contracts.StatusRevoked],
		"expired":         counts[contracts.StatusExpired],
		"overdue_expired": overdue,
		"pruned":          pruned,
	})
	if overdue > pruned {
		return 1
	}
	return 0
}
