package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	labflow "github.com/JustinD-T/Quantum-Subradience"
)

func main() {
	flow, err := labflow.Conf("../labflow.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.Run(ctx); err != nil {
		log.Fatalf("session exited: %v", err)
	}
}
