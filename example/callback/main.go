package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	labflow "github.com/JustinD-T/Quantum-Subradience"
)

func main() {
	flow, err := labflow.Conf("../labflow.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pressure := func(s labflow.Sample) error {
		if s.Kind != labflow.KindPressureGauge {
			return nil
		}
		fmt.Printf("%s %s seq=%d %.3e %s\n",
			s.Timestamp.Format(time.RFC3339Nano),
			s.InstrumentID,
			s.Seq,
			s.Value,
			s.Unit,
		)
		return nil
	}

	if err := flow.Run(ctx, labflow.OutputCallback("stdout", pressure)); err != nil {
		log.Fatalf("session exited: %v", err)
	}
}
