package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale (nothing read within Interval + Timeout). It returns immediately;
// the goroutine exits when the server's done channel is closed.
func startHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections closes connections that have been silent past the
// deadline and pings the rest. Browsers answer pings automatically, and
// any frame read counts as activity. Closing the socket ends the read loop,
// which removes the connection from the registry.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			server.log.Info().
				Str("conn_id", c.ID()).
				Dur("idle", idle.Round(time.Second)).
				Msg("heartbeat timeout")
			c.Close()
			continue
		}

		if err := c.WritePing(); err != nil {
			server.log.Debug().Err(err).Str("conn_id", c.ID()).Msg("heartbeat ping failed")
			c.Close()
		}
	}
}
