// Package cli implements the recon command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"recon/config"
	"recon/logging"
	"recon/scanner"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitUsage       = 2
	ExitInterrupted = 130
)

var newEngine = scanner.NewEngine

// Main runs the command line with the process arguments and exits.
func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// Run parses args, scans, and prints the report. A leading "trace" or
// "subdomain" selects that command instead. Cancelling ctx stops the
// session; the cancelled report is still printed.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		switch args[0] {
		case "trace":
			return runTrace(ctx, args[1:], stdout, stderr)
		case "subdomain":
			return runSubdomain(ctx, args[1:], stdout, stderr)
		}
	}
	fs := flag.NewFlagSet("recon", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "Output the report in JSON format")
	kinds := fs.String("kinds", "", "Probe kinds: syn, icmp, arp (comma separated)")
	ports := fs.String("p", "", "Ports for syn probes, e.g. 22,80,8000-8100,top:100")
	iface := fs.String("i", "", "Capture interface (default: default route)")
	configPath := fs.String("config", "", "Path to a YAML config file")
	reverse := fs.Bool("reverse", false, "Resolve PTR names of probed addresses")
	openOnly := fs.Bool("open", false, "Only print open results")
	verbose := fs.Bool("v", false, "Debug logging")
	fs.Usage = func() { printUsage(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	}
	if fs.NArg() == 0 {
		printUsage(fs, stderr)
		return ExitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitError
	}
	if *kinds != "" {
		cfg.Scan.Kinds = *kinds
	}
	if *ports != "" {
		cfg.Scan.Ports = *ports
	}
	if *iface != "" {
		cfg.Scan.Interface = *iface
	}
	if *reverse {
		cfg.DNS.Reverse = true
	}
	logOpts := cfg.Logging()
	logOpts.Output = stderr
	if *verbose {
		logOpts.Level = "debug"
	}
	logger := logging.Configure(logOpts)

	reg, err := cfg.Registry()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitError
	}
	opts, err := cfg.ScanOptions(reg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}

	targets := make([]scanner.Target, 0, fs.NArg())
	for _, arg := range fs.Args() {
		targets = append(targets, scanner.Target{Host: arg})
	}

	engine := newEngine()
	engine.Services = reg
	engine.Logger = logger

	session, err := engine.StartSession(ctx, targets, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, scanner.ErrInsufficientPrivilege) {
			fmt.Fprintln(stderr, "Raw probes require elevated privileges. Try: sudo recon ...")
		}
		if errors.Is(err, scanner.ErrInvalidTarget) || errors.Is(err, scanner.ErrInvalidOptions) || errors.Is(err, scanner.ErrNoTargets) {
			return ExitUsage
		}
		return ExitError
	}

	// The session watches ctx itself; waiting on Background keeps the
	// cancelled report.
	report, err := session.Wait(context.Background())
	if report != nil {
		if *jsonOutput {
			if jerr := outputJSON(stdout, report); jerr != nil {
				fmt.Fprintf(stderr, "Error encoding to JSON: %v\n", jerr)
				return ExitError
			}
		} else {
			outputPlainText(stdout, report, *openOnly)
		}
	}
	switch {
	case err != nil:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitError
	case report.Cancelled:
		return ExitInterrupted
	}
	return ExitOK
}

// printUsage displays the help message.
func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "Usage: recon [flags] target...")
	fmt.Fprintln(w, "Targets are IPv4 addresses, IPv4 prefixes (/16 or longer) or hostnames.")
	fmt.Fprintln(w, "Example: sudo recon -p 22,80,443 192.168.1.0/24")
	fmt.Fprintln(w, "Example: sudo recon -kinds arp,icmp -json 10.0.0.0/24")
	fmt.Fprintln(w, "Example: sudo recon trace example.com")
	fmt.Fprintln(w, "Example: recon subdomain example.com")
	fmt.Fprintln(w, "Example: recon serve   (start the HTTP API)")
	fmt.Fprintln(w)
	fs.PrintDefaults()
}

// outputJSON writes a report as indented JSON.
func outputJSON(w io.Writer, report any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// outputPlainText prints one line per finding and a summary.
func outputPlainText(w io.Writer, report *scanner.FinalReport, openOnly bool) {
	for _, f := range report.Findings {
		if openOnly && f.State != scanner.StateOpen {
			continue
		}
		fmt.Fprintln(w, formatFinding(f))
	}

	s := report.Stats
	fmt.Fprintf(w, "\n%d results: %d open, %d closed, %d filtered, %d unreachable, %d unresolved, %d cancelled\n",
		len(report.Findings), report.Count(scanner.StateOpen), report.Count(scanner.StateClosed),
		report.Count(scanner.StateFiltered), report.Count(scanner.StateUnreachable),
		report.Count(scanner.StateUnresolved), report.Count(scanner.StateCancelled))
	fmt.Fprintf(w, "%d sent, %d received, %d retries in %s", s.Sent, s.Received, s.Retries, report.Elapsed.Round(time.Millisecond))
	if s.Matched > 0 {
		fmt.Fprintf(w, ", rtt min/avg/max %s/%s/%s", roundRTT(s.RTTMin), roundRTT(s.RTTAvg), roundRTT(s.RTTMax))
	}
	fmt.Fprintln(w)
	if report.Error != "" {
		fmt.Fprintf(w, "session error: %s\n", report.Error)
	}
}

func formatFinding(f scanner.Finding) string {
	var b strings.Builder
	b.WriteString(f.Target)
	if f.Hostname != "" && f.Hostname != f.Target {
		fmt.Fprintf(&b, " (%s)", f.Hostname)
	} else if f.Address.IsValid() && f.Address.String() != f.Target {
		fmt.Fprintf(&b, " (%s)", f.Address)
	}
	if f.Port != 0 {
		fmt.Fprintf(&b, ":%d", f.Port)
	}
	fmt.Fprintf(&b, " - %s", f.State)
	if f.Kind != 0 && f.State != scanner.StateCancelled && f.State != scanner.StateUnresolved {
		fmt.Fprintf(&b, " [%s]", f.Kind)
	}
	if f.Service != "" {
		fmt.Fprintf(&b, " - %s", f.Service)
	}
	if f.State == scanner.StateOpen || f.State == scanner.StateClosed {
		if f.RTT > 0 {
			fmt.Fprintf(&b, " - %s", roundRTT(f.RTT))
		}
		if f.OSFamily != "" {
			fmt.Fprintf(&b, " - %s, %d hops", f.OSFamily, f.Hops)
		}
	}
	if f.MAC != "" {
		fmt.Fprintf(&b, " - %s", f.MAC)
	}
	return b.String()
}

func roundRTT(d time.Duration) time.Duration {
	if d < time.Millisecond {
		return d.Round(time.Microsecond)
	}
	return d.Round(10 * time.Microsecond)
}
