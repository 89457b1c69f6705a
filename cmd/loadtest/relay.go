package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carebridge/gateway/internal/chat"
	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/loadtest/client"
	"github.com/carebridge/gateway/internal/loadtest/stats"
	"github.com/carebridge/gateway/internal/protocol"
)

// bodyPrefix marks load test messages; the rest of the body is the send
// time in unix nanoseconds.
const bodyPrefix = "lt:"

// relayCmd pairs users with therapists and has both sides of every pair
// exchange messages, measuring send-to-receive latency at the recipient.
func relayCmd() *cobra.Command {
	var (
		flags    commonFlags
		messages int
		interval time.Duration
		drain    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Exchange messages between user/therapist pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			people, err := loadParticipants(flags, time.Hour)
			if err != nil {
				return err
			}
			pairs := pairUp(people)
			if len(pairs) == 0 {
				return fmt.Errorf("%s needs at least one user and one therapist", flags.idsFile)
			}
			return runRelay(flags, pairs, messages, interval, drain)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&messages, "messages", 20, "messages each side sends")
	cmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "delay between sends")
	cmd.Flags().DurationVar(&drain, "drain", 5*time.Second, "how long to wait for outstanding deliveries")
	return cmd
}

type pair struct {
	user, therapist participant
}

// pairUp matches the i-th user with the i-th therapist.
func pairUp(people []participant) []pair {
	var users, therapists []participant
	for _, p := range people {
		switch p.addr.Kind {
		case identity.KindUser:
			users = append(users, p)
		case identity.KindTherapist:
			therapists = append(therapists, p)
		}
	}
	n := min(len(users), len(therapists))
	pairs := make([]pair, n)
	for i := range n {
		pairs[i] = pair{user: users[i], therapist: therapists[i]}
	}
	return pairs
}

// deliveryLatency returns how long ago a load test body was stamped.
func deliveryLatency(body string, now time.Time) (time.Duration, bool) {
	stamp, ok := strings.CutPrefix(body, bodyPrefix)
	if !ok {
		return 0, false
	}
	ns, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return 0, false
	}
	return now.Sub(time.Unix(0, ns)), true
}

func runRelay(flags commonFlags, pairs []pair, messages int, interval, drain time.Duration) error {
	fmt.Printf("Relay: %d pairs, %d messages per side every %s, to %s\n",
		len(pairs), messages, interval, flags.url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if flags.metricsURL != "" {
		scraper := stats.NewScraper(flags.metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	// Only the recipient's copy is timed; the sender's echo is ignored.
	onReceive := func(self identity.Address) client.Option {
		return client.On(protocol.EventReceiveMessage, func(data json.RawMessage) {
			var msg chat.ChatMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.Receiver != self {
				return
			}
			if d, ok := deliveryLatency(msg.Body, time.Now()); ok {
				collector.AddDelivery(d)
			}
		})
	}

	connect := func(p participant) (*client.Client, error) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, err := client.New(connCtx, flags.url, p.token, onReceive(p.addr))
		if err != nil {
			collector.AddError()
			return nil, err
		}
		if err := c.WaitConnected(connCtx); err != nil {
			collector.AddRejected()
			c.Close()
			return nil, err
		}
		collector.AddConnect(c.Metrics().ConnectLatency)
		return c, nil
	}

	talk := func(c *client.Client, to identity.Address) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; i < messages; i++ {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case <-ticker.C:
			}
			body := bodyPrefix + strconv.FormatInt(time.Now().UnixNano(), 10)
			if err := c.SendMessage(to, body); err != nil {
				collector.AddError()
				return
			}
			collector.AddSent()
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		clients []*client.Client
	)
	for _, pr := range pairs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := connect(pr.user)
			if err != nil {
				return
			}
			t, err := connect(pr.therapist)
			if err != nil {
				u.Close()
				return
			}
			mu.Lock()
			clients = append(clients, u, t)
			mu.Unlock()

			var talkers sync.WaitGroup
			talkers.Add(2)
			go func() { defer talkers.Done(); talk(u, pr.therapist.addr) }()
			go func() { defer talkers.Done(); talk(t, pr.user.addr) }()
			talkers.Wait()
		}()
	}
	wg.Wait()

	select {
	case <-time.After(drain):
	case <-ctx.Done():
	}

	mu.Lock()
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	collector.Report(os.Stdout)
	return nil
}
