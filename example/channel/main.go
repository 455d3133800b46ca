package main

import (
	"context"
	"fmt"
	"log"
	"math"
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

	// the channel closes once the session drained
	consumer, samples, _ := labflow.NewChannelConsumer("peaks", 4096)
	done := make(chan struct{})
	go func() {
		defer close(done)
		peakPerSweep(samples)
	}()

	if err := flow.Run(ctx, labflow.OutputConsumer(consumer, 8192, labflow.Block)); err != nil {
		log.Fatalf("session exited: %v", err)
	}
	<-done
}

// peakPerSweep prints the strongest bin of every completed analyzer sweep.
func peakPerSweep(samples <-chan labflow.Sample) {
	var (
		sweep     uint64
		peak      = math.Inf(-1)
		peakFreq  float64
		started bool
	)
	for s := range samples {
		if s.Kind != labflow.KindSpectrumAnalyzer {
			continue
		}
		if started && s.Sweep != sweep {
			fmt.Printf("%s sweep %d: peak %.2f dBm at %.6f GHz\n", s.InstrumentID, sweep, peak, peakFreq/1e9)
			peak = math.Inf(-1)
		}
		sweep, started = s.Sweep, true
		if s.Value > peak {
			peak, peakFreq = s.Value, s.Frequency
		}
	}
}
