package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pulld/pkg/bus"
	"pulld/pkg/protocol"
	"pulld/services/agent"
)

func main() {
	configPath := flag.String("config", agent.ConfigPath, "path to agent configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "pull-agent: ", log.LstdFlags)

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := bus.New(cfg.NATSURL)
	if err != nil {
		logger.Fatalf("failed to connect bus: %v", err)
	}
	defer b.Close()

	runner, err := agent.NewRunner(cfg.AgentID, b, logger)
	if err != nil {
		logger.Fatalf("failed to initialize runner: %v", err)
	}

	subject := protocol.CommandSubject(cfg.AgentID)
	durable := "pull-agent-" + cfg.AgentID

	// Commands are acked on receipt and dispatched to their own goroutine so
	// a slow transfer never blocks unrelated ones.
	sub, err := b.Subscribe(ctx, subject, durable, func(_ context.Context, data []byte) error {
		var cmd protocol.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			logger.Printf("discarding malformed command: %v", err)
			return nil
		}
		go func() {
			if err := runner.HandleCommand(ctx, cmd, cfg.SourcePath); err != nil {
				logger.Printf("ERROR report outcome for transfer %s: %v", cmd.TransferID, err)
			}
		}()
		return nil
	})
	if err != nil {
		logger.Fatalf("failed to subscribe to %s: %v", subject, err)
	}
	defer sub.Close()

	logger.Printf("listening for upload commands on %s", subject)

	<-ctx.Done()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("agent exited with error: %v", err)
	}
}
