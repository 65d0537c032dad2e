package socks5

import (
	"log/slog"

	"github.com/lumen-proxy/reactorsocks/internal/logging"
	"github.com/lumen-proxy/reactorsocks/internal/reactor"
)

// UpdateInterests recomputes and applies each socket's reactor
// interest from the connection's current state and buffer occupancy,
// per spec.md §4.4: the client is always Readable, plus Writable iff
// t2c has data; the target is Readable, plus Writable iff still
// Connecting or c2t has data.
func UpdateInterests(r *reactor.Reactor, c *Connection) error {
	clientInterest := reactor.Readable
	if len(c.T2C) > 0 {
		clientInterest |= reactor.Writable
	}
	if err := r.Reregister(c.ClientFD, c.ClientToken, clientInterest); err != nil {
		return err
	}

	if c.HasTarget {
		targetInterest := reactor.Readable
		if c.State == StateConnecting || len(c.C2T) > 0 {
			targetInterest |= reactor.Writable
		}
		if err := r.Reregister(c.TargetFD, c.TargetToken, targetInterest); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup tears a connection down: deregisters and closes both
// sockets (best effort — errors are logged, never propagated, since
// teardown proceeds regardless), removes it from the table, and
// purges the token index of every entry that referenced it.
func Cleanup(r *reactor.Reactor, table *Table, log *slog.Logger, id uint64) {
	c, ok := table.Remove(id)
	if !ok {
		log.Warn("cleanup requested for unknown connection", logging.KeyConnID, id)
		return
	}

	if err := r.Deregister(c.ClientFD); err != nil {
		log.Debug("deregister client fd", logging.KeyConnID, id, logging.KeyError, err)
	}
	_ = reactor.Close(c.ClientFD)

	if c.HasTarget {
		if err := r.Deregister(c.TargetFD); err != nil {
			log.Debug("deregister target fd", logging.KeyConnID, id, logging.KeyError, err)
		}
		_ = reactor.Close(c.TargetFD)
	}

	log.Info("connection closed",
		logging.KeyConnID, id,
		logging.KeyClientAddr, c.ClientAddr,
		logging.KeyTargetAddr, c.RequestedEndpoint,
	)
}
