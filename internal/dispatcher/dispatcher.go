// Package dispatcher owns the listening socket for a connection engine:
// it accepts connections in a loop, supervises one goroutine per connection
// under an errgroup so a single connection's failure can't take the
// listener down, and drains in-flight connections on shutdown.
package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"rangeproxy/internal/logging"
)

const defaultGracePeriod = 15 * time.Second

// Handle processes one accepted connection until it closes.
type Handle func(ctx context.Context, connID string, conn net.Conn)

// Dispatcher accepts connections on a single listener and hands each to
// Handler. The same Dispatcher shape serves both the HTTP proxy listener
// (Handler = tunnel.Engine.HandleConnection) and the SOCKS5 listener
// (Handler = socks5.Handler.Serve) — the accept-loop/shutdown machinery
// doesn't care which front door it's running behind.
type Dispatcher struct {
	Listener    net.Listener
	Handler     Handle
	Log         *logging.Logger
	GracePeriod time.Duration
}

// Serve runs the accept loop until ctx is canceled, then stops accepting
// new connections and waits up to GracePeriod for in-flight connections to
// finish their own close sequence before returning.
func (d *Dispatcher) Serve(ctx context.Context) error {
	grace := d.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return d.Listener.Close()
	})

	g.Go(func() error {
		for {
			conn, err := d.Listener.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			connID, err := newConnID()
			if err != nil {
				d.Log.Warnf("generating connection id: %v", err)
				_ = conn.Close()
				continue
			}
			// Connection handlers never return an error to the group: one
			// connection's failure must not cancel gctx and tear down every
			// other in-flight connection or the accept loop itself.
			g.Go(func() error {
				d.Handler(gctx, connID, conn)
				return nil
			})
		}
	})

	// Block until shutdown is requested (ctx canceled) or the accept loop
	// itself fails; only then does the grace-period clock start, since
	// g.Wait() would otherwise block for the server's entire lifetime.
	<-gctx.Done()

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	select {
	case err := <-waitErr:
		return err
	case <-time.After(grace):
		d.Log.Warnf("shutdown grace period of %s elapsed with connections still draining", grace)
		return nil
	}
}

func newConnID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
