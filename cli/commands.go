package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"recon/codec"
	"recon/config"
	"recon/logging"
	"recon/resolver"
	"recon/scanner"
)

var newResolver = resolver.New

// commonFlags are shared by the subcommands.
type commonFlags struct {
	json       *bool
	configPath *string
	verbose    *bool
}

func addCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		json:       fs.Bool("json", false, "Output the result in JSON format"),
		configPath: fs.String("config", "", "Path to a YAML config file"),
		verbose:    fs.Bool("v", false, "Debug logging"),
	}
}

// setup loads the config and configures logging to stderr.
func (c commonFlags) setup(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return nil, nil, err
	}
	opts := cfg.Logging()
	opts.Output = stderr
	if *c.verbose {
		opts.Level = "debug"
	}
	return cfg, logging.Configure(opts), nil
}

func runTrace(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("recon trace", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommon(fs)
	kind := fs.String("kind", "icmp", "Probe kind: icmp or syn")
	port := fs.Uint("p", scanner.DefaultTracePort, "Destination port for syn traces")
	maxHops := fs.Int("max-hops", scanner.DefaultMaxHops, "Highest TTL to try")
	timeout := fs.Duration("timeout", scanner.DefaultHopTimeout, "Wait for each hop")
	iface := fs.String("i", "", "Capture interface (default: default route)")
	reverse := fs.Bool("reverse", false, "Resolve PTR names of the hops")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: recon trace [flags] host")
		fmt.Fprintln(stderr, "Example: sudo recon trace -kind syn -p 443 example.com")
		fmt.Fprintln(stderr)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	}
	if fs.NArg() != 1 || *port > 65535 {
		fs.Usage()
		return ExitUsage
	}
	k, err := codec.ParseKind(*kind)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}

	cfg, logger, err := common.setup(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitError
	}

	opts := scanner.TraceOptions{
		Interface:  cfg.Scan.Interface,
		Kind:       k,
		Port:       uint16(*port),
		MaxHops:    *maxHops,
		Timeout:    *timeout,
		ReverseDNS: *reverse || cfg.DNS.Reverse,
		DNSServers: cfg.DNS.Servers,
		DNSTimeout: cfg.DNS.Timeout.Duration,
	}
	if *iface != "" {
		opts.Interface = *iface
	}

	engine := newEngine()
	engine.Logger = logger
	report, err := engine.Trace(ctx, fs.Arg(0), opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		switch {
		case errors.Is(err, scanner.ErrInsufficientPrivilege):
			fmt.Fprintln(stderr, "Raw probes require elevated privileges. Try: sudo recon trace ...")
		case errors.Is(err, scanner.ErrInvalidTarget), errors.Is(err, scanner.ErrInvalidOptions):
			return ExitUsage
		}
		return ExitError
	}

	if *common.json {
		if err := outputJSON(stdout, report); err != nil {
			fmt.Fprintf(stderr, "Error encoding to JSON: %v\n", err)
			return ExitError
		}
	} else {
		printTrace(stdout, report)
	}
	if report.Status == scanner.TraceCancelled {
		return ExitInterrupted
	}
	return ExitOK
}

func printTrace(w io.Writer, r *scanner.TraceReport) {
	fmt.Fprintf(w, "trace to %s (%s) with %s\n", r.Target, r.Address, r.Kind)
	for _, h := range r.Hops {
		if !h.Address.IsValid() {
			fmt.Fprintf(w, "%3d  *\n", h.TTL)
			continue
		}
		name := h.Address.String()
		if h.Hostname != "" {
			name = fmt.Sprintf("%s (%s)", h.Hostname, h.Address)
		}
		fmt.Fprintf(w, "%3d  %s  %s  %s\n", h.TTL, name, roundRTT(h.RTT), h.Outcome)
	}
	fmt.Fprintf(w, "\n%s after %d hops in %s\n", r.Status, len(r.Hops), r.Elapsed.Round(time.Millisecond))
}

func runSubdomain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("recon subdomain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommon(fs)
	wordlist := fs.String("w", "", "Wordlist file, one label per line (default: built-in list)")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: recon subdomain [flags] domain")
		fmt.Fprintln(stderr, "Example: recon subdomain -w words.txt example.com")
		fmt.Fprintln(stderr)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return ExitUsage
	}

	cfg, logger, err := common.setup(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitError
	}

	words := resolver.DefaultWordlist()
	if *wordlist != "" {
		f, err := os.Open(*wordlist)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitError
		}
		words, err = resolver.ReadWordlist(f)
		f.Close()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitError
		}
	}

	client, err := newResolver(cfg.ResolverConfig(logger))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitError
	}
	scan, err := client.ScanSubdomains(ctx, fs.Arg(0), words)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}

	if *common.json {
		if err := outputJSON(stdout, scan); err != nil {
			fmt.Fprintf(stderr, "Error encoding to JSON: %v\n", err)
			return ExitError
		}
	} else {
		printDomains(stdout, scan)
	}
	if scan.Cancelled {
		return ExitInterrupted
	}
	return ExitOK
}

func printDomains(w io.Writer, s *resolver.DomainScan) {
	for _, d := range s.Domains {
		fmt.Fprintf(w, "%s", d.Name)
		for _, a := range d.Addresses {
			fmt.Fprintf(w, " %s", a)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "\n%d of %d names found under %s, %d failed, in %s\n",
		len(s.Domains), s.Tried, s.Apex, s.Failed, s.Elapsed.Round(time.Millisecond))
	if len(s.Wildcard) > 0 {
		fmt.Fprintf(w, "wildcard answers %v filtered\n", s.Wildcard)
	}
}
