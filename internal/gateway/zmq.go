package gateway

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/vrscpool/poolmgr/internal/lib/misc"
)

// Listener subscribes to a verusd hashblock notification socket and delivers
// raw block hashes. Delivery is best effort; the feeder's catch-up walk covers
// anything the socket drops.
type Listener struct {
	logger   *slog.Logger
	currency string
	addr     string
}

func NewListener(logger *slog.Logger, currency, addr string) *Listener {
	return &Listener{logger: logger, currency: currency, addr: addr}
}

// Run blocks until ctx is done, sending each notified block hash to out.
func (l *Listener) Run(ctx context.Context, out chan<- string) error {
	sock, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return err
	}
	defer sock.Close()

	if err := sock.Connect(l.addr); err != nil {
		return err
	}
	if err := sock.SetSubscribe("hashblock"); err != nil {
		return err
	}
	// short receive timeout so ctx cancellation is noticed promptly
	if err := sock.SetRcvtimeo(time.Second); err != nil {
		return err
	}
	misc.Infof(l.logger, "listening for %s block notifications on %s", l.currency, l.addr)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		parts, err := sock.RecvMessageBytes(0)
		if err != nil {
			continue // receive timeout, poll ctx again
		}
		if len(parts) < 2 {
			misc.Warnf(l.logger, "malformed %s block notification (%d parts)", l.currency, len(parts))
			continue
		}
		hash := hex.EncodeToString(parts[1])
		misc.Debugf(l.logger, "block notification for %s: %s", l.currency, hash)
		select {
		case out <- hash:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
