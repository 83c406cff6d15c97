// Command corvus is a sendmail-style submission and queue-runner
// binary. Without flags it reads a message from stdin and queues it
// for the recipients given as arguments; with -q it processes the
// queue once; with -qd it runs as a periodic queue daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/corvusmta/corvus"
	"github.com/corvusmta/corvus/dns"
	"github.com/corvusmta/corvus/spool"
)

func main() {
	var (
		configPath = flag.String("C", "/etc/corvus/corvus.toml", "configuration file")
		sender     = flag.String("f", "", "envelope sender address")
		runQueue   = flag.Bool("q", false, "process the queue once and exit")
		daemon     = flag.Bool("qd", false, "run as a queue daemon")
		verbose    = flag.Bool("v", false, "verbose protocol logging")
	)
	flag.Parse()

	config, err := corvus.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *verbose {
		config.Verbose = true
	}

	level := slog.LevelInfo
	if config.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := spool.New(config.SpoolDir, logger)
	if err != nil {
		logger.Error("open spool", "err", err)
		os.Exit(1)
	}

	switch {
	case *daemon:
		runDaemon(config, store, logger)
	case *runQueue:
		// Wake any resident daemon, then drain what we can ourselves.
		if err := store.FlushSignal(); err != nil {
			logger.Warn("flush signal", "err", err)
		}
		runner := corvus.NewRunner(config, store, dns.NewResolver(dns.ResolverConfig{}), nil, logger)
		if err := runner.Pass(context.Background()); err != nil {
			logger.Error("queue pass", "err", err)
			os.Exit(1)
		}
	default:
		submit(config, store, logger, *sender, flag.Args())
	}
}

// submit queues one message from stdin and, unless deferred delivery
// is configured, runs an immediate pass for it.
func submit(config *corvus.Config, store *spool.Store, logger *slog.Logger, sender string, recipients []string) {
	if len(recipients) == 0 {
		fmt.Fprintln(os.Stderr, "usage: corvus [flags] recipient...")
		os.Exit(64)
	}
	if sender == "" {
		sender = defaultSender(config)
	}

	aliases, err := loadAliases(config.AliasesPath)
	if err != nil {
		logger.Error("load aliases", "err", err)
		os.Exit(1)
	}

	q, err := corvus.Enqueue(store, config, aliases, sender, recipients, os.Stdin)
	if err != nil {
		logger.Error("enqueue", "err", err)
		os.Exit(1)
	}
	logger.Info("queued", "id", q.ID, "recipients", len(q.Items))

	if config.Defer {
		return
	}

	runner := corvus.NewRunner(config, store, dns.NewResolver(dns.ResolverConfig{}), nil, logger)
	if err := runner.Pass(context.Background()); err != nil {
		logger.Error("delivery pass", "err", err)
	}
}

func runDaemon(config *corvus.Config, store *spool.Store, logger *slog.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := corvus.NewRunner(config, store, dns.NewResolver(dns.ResolverConfig{}), nil, logger)
	logger.Info("queue daemon started", "spool", config.SpoolDir)
	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("queue daemon", "err", err)
		os.Exit(1)
	}
}

func defaultSender(config *corvus.Config) string {
	user := os.Getenv("USER")
	if user == "" {
		user = "nobody"
	}
	return config.Masquerade(user + "@" + config.MailName)
}

// loadAliases parses a minimal alias file: "name: dest1, dest2" per
// line, # comments, "*" as the wildcard name.
func loadAliases(path string) (corvus.Aliases, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	aliases := corvus.Aliases{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		var dests []string
		for _, d := range strings.Split(rest, ",") {
			if d = strings.TrimSpace(d); d != "" {
				dests = append(dests, d)
			}
		}
		if len(dests) > 0 {
			aliases[name] = dests
		}
	}
	return aliases, nil
}
