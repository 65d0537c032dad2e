package socks5

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lumen-proxy/reactorsocks/internal/logging"
	"github.com/lumen-proxy/reactorsocks/internal/reactor"
)

// HandleWritable dispatches a Writable event and then recomputes both
// sockets' reactor interests, per spec.md §4.4 ("interest updates are
// derived each event cycle").
func HandleWritable(r *reactor.Reactor, log *slog.Logger, metrics Metrics, c *Connection, endpoint EndpointKind) error {
	var err error
	if endpoint == EndpointClient {
		err = handleClientWritable(c, metrics)
	} else {
		err = handleTargetWritable(c, log, metrics)
	}
	if err != nil {
		return err
	}
	return UpdateInterests(r, c)
}

func handleClientWritable(c *Connection, metrics Metrics) error {
	if c.State != StateTunneling || len(c.T2C) == 0 {
		return nil
	}
	n, err := reactor.Write(c.ClientFD, c.T2C)
	if err != nil {
		if reactor.IsWouldBlock(err) {
			return nil
		}
		return err
	}
	c.T2C = c.T2C[n:]
	if metrics != nil {
		metrics.BytesRelayed(0, n)
	}
	return nil
}

func handleTargetWritable(c *Connection, log *slog.Logger, metrics Metrics) error {
	if !c.HasTarget {
		return nil
	}

	switch c.State {
	case StateConnecting:
		if err := reactor.ConnectError(c.TargetFD); err != nil {
			return fmt.Errorf("connect %s: %w", c.RequestedEndpoint, err)
		}
		if _, err := reactor.Write(c.ClientFD, SuccessReply()); err != nil && !reactor.IsWouldBlock(err) {
			return err
		}
		c.State = StateTunneling
		if metrics != nil {
			metrics.ConnectSucceeded(time.Since(c.ConnectStartedAt))
		}
		log.Info("tunnel established", logging.KeyConnID, c.ID, logging.KeyTargetAddr, c.RequestedEndpoint)
		return nil

	case StateTunneling:
		if len(c.C2T) == 0 {
			return nil
		}
		n, err := reactor.Write(c.TargetFD, c.C2T)
		if err != nil {
			if reactor.IsWouldBlock(err) {
				return nil
			}
			return err
		}
		c.C2T = c.C2T[n:]
		if metrics != nil {
			metrics.BytesRelayed(n, 0)
		}
		return nil

	default:
		return nil
	}
}
