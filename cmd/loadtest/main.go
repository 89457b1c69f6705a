// Command loadtest drives a running gateway with simulated participants.
//
//	loadtest saturate --ids ids.txt --secret $JWT_SECRET --connections 5000
//	loadtest relay    --ids ids.txt --secret $JWT_SECRET --messages 50
//
// The ids file lists one address per line as role:id (user:6650... or
// therapist:6650...); every listed identity must exist in the gateway's
// store.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/carebridge/gateway/internal/identity"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// commonFlags are shared by every scenario.
type commonFlags struct {
	url        string
	metricsURL string
	idsFile    string
	secret     string
	issuer     string
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	cmd.Flags().StringVar(&f.metricsURL, "metrics", "", "gateway /metrics URL to scrape (optional)")
	cmd.Flags().StringVar(&f.idsFile, "ids", "", "file of role:id lines")
	cmd.Flags().StringVar(&f.secret, "secret", os.Getenv("JWT_SECRET"), "JWT signing secret")
	cmd.Flags().StringVar(&f.issuer, "issuer", os.Getenv("JWT_ISSUER"), "JWT issuer")
	_ = cmd.MarkFlagRequired("ids")
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "loadtest",
		Short:        "Load test the messaging gateway",
		SilenceUsage: true,
	}
	root.AddCommand(saturateCmd())
	root.AddCommand(relayCmd())
	return root
}

// participant is an identity with a minted credential.
type participant struct {
	addr  identity.Address
	token string
}

// loadParticipants reads the ids file and mints a token per line.
func loadParticipants(f commonFlags, ttl time.Duration) ([]participant, error) {
	if f.secret == "" {
		return nil, fmt.Errorf("--secret or JWT_SECRET is required")
	}
	file, err := os.Open(f.idsFile)
	if err != nil {
		return nil, fmt.Errorf("open ids file: %w", err)
	}
	defer file.Close()

	addrs, err := parseAddresses(bufio.NewScanner(file))
	if err != nil {
		return nil, err
	}

	issuer := identity.NewTokenIssuer([]byte(f.secret), f.issuer)
	out := make([]participant, 0, len(addrs))
	for _, a := range addrs {
		tok, err := issuer.Issue(a.ID, a.Kind, ttl)
		if err != nil {
			return nil, fmt.Errorf("mint token for %s: %w", a, err)
		}
		out = append(out, participant{addr: a, token: tok})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s lists no identities", f.idsFile)
	}
	return out, nil
}

func parseAddresses(sc *bufio.Scanner) ([]identity.Address, error) {
	var addrs []identity.Address
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		role, id, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("line %d: want role:id, got %q", n, line)
		}
		kind, err := identity.ParseKind(role)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		addrs = append(addrs, identity.Address{Kind: kind, ID: strings.TrimSpace(id)})
	}
	return addrs, sc.Err()
}
