// Command agentd runs one agent instance: it registers with the central
// directory, bootstraps its peer table, and participates in peer gossip
// until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commandzero/agentnet/core"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional; environment still applies)")
	flag.Parse()

	var opts []core.Option
	if *configPath != "" {
		opts = append(opts, core.WithConfigFile(*configPath))
	}

	cfg, err := core.NewConfig(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		os.Exit(1)
	}

	agent, err := core.NewAgent(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := agent.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "agentd: shutdown: %v\n", err)
		os.Exit(1)
	}
}
