package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carebridge/gateway/internal/loadtest/client"
	"github.com/carebridge/gateway/internal/loadtest/stats"
)

// saturateCmd opens many idle authenticated connections, ramping up over a
// period, and holds them to find the gateway's connection capacity. Ids are
// reused round-robin, so several connections share an address.
func saturateCmd() *cobra.Command {
	var (
		flags       commonFlags
		connections int
		rampUp      time.Duration
		hold        time.Duration
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "saturate",
		Short: "Open N idle connections and hold them",
		RunE: func(cmd *cobra.Command, args []string) error {
			people, err := loadParticipants(flags, rampUp+hold+time.Hour)
			if err != nil {
				return err
			}
			return runSaturate(flags, people, connections, rampUp, hold, concurrency)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&connections, "connections", 1000, "number of connections to open")
	cmd.Flags().DurationVar(&rampUp, "ramp", 10*time.Second, "ramp-up duration")
	cmd.Flags().DurationVar(&hold, "hold", 30*time.Second, "hold duration after ramp-up")
	cmd.Flags().IntVar(&concurrency, "concurrency", 50, "max simultaneous connection attempts")
	return cmd
}

func runSaturate(flags commonFlags, people []participant, connections int, rampUp, hold time.Duration, concurrency int) error {
	fmt.Printf("Saturate: %d connections to %s (ramp=%s, hold=%s, concurrency=%d, identities=%d)\n",
		connections, flags.url, rampUp, hold, concurrency, len(people))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if flags.metricsURL != "" {
		scraper := stats.NewScraper(flags.metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	var mu sync.Mutex
	clients := make([]*client.Client, 0, connections)

	fmt.Println("\n--- Ramp-up phase ---")

	interval := rampUp / time.Duration(connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [ramp] connections: %d/%d  failures: %d\n",
					collector.ConnectionCount(), connections, collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)
	interrupted := false

launch:
	for i := 0; i < connections; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			break launch
		case <-rampTicker.C:
		}

		p := people[i%len(people)]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, flags.url, p.token)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitConnected(connCtx); err != nil {
				if errors.Is(err, client.ErrRejected) {
					collector.AddRejected()
				} else {
					collector.AddError()
				}
				c.Close()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d failures)\n",
		collector.ConnectionCount(), connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		mu.Lock()
		initial := len(clients)
		mu.Unlock()
		fmt.Printf("Holding %d connections for %s...\n", initial, hold)

		holdTimer := time.NewTimer(hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				dropped = initial - countAlive(&mu, clients)
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", initial-dropped, initial, dropped)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
		dropped = initial - countAlive(&mu, clients)
	}

	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report(os.Stdout)
	return nil
}

func countAlive(mu *sync.Mutex, clients []*client.Client) int {
	mu.Lock()
	defer mu.Unlock()
	alive := 0
	for _, c := range clients {
		if c.Alive() {
			alive++
		}
	}
	return alive
}
