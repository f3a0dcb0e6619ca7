package forward

import (
	"net"
	"sync"
	"time"
)

// tunnel relays bytes in both directions until either side closes, the
// idle timeout elapses with no traffic, or the absolute lifetime cap
// expires. Byte ordering within each direction is preserved by the
// underlying stream copy.
//
// Returns the byte counts (client->upstream, upstream->client).
func tunnel(client, upstream net.Conn, idleTimeout, maxLifetime time.Duration) (int64, int64) {
	defer client.Close()
	defer upstream.Close()

	if maxLifetime > 0 {
		lifetimeTimer := time.AfterFunc(maxLifetime, func() {
			client.Close()
			upstream.Close()
		})
		defer lifetimeTimer.Stop()
	}

	var wg sync.WaitGroup
	var sent, received int64
	wg.Add(2)
	go func() {
		defer wg.Done()
		sent = copyHalf(upstream, client, idleTimeout)
		// Half-close so the upstream sees EOF while the other direction
		// drains.
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		received = copyHalf(client, upstream, idleTimeout)
		closeWrite(client)
	}()
	wg.Wait()
	return sent, received
}

// copyHalf copies one direction, refreshing the read deadline after every
// chunk so the idle timeout measures inactivity, not total duration.
func copyHalf(dst net.Conn, src net.Conn, idleTimeout time.Duration) int64 {
	var total int64
	buf := make([]byte, 32*1024)
	for {
		if idleTimeout > 0 {
			src.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total
			}
		}
		if err != nil {
			// EOF, idle timeout, and peer resets all end the half the
			// same way: silently.
			return total
		}
	}
}

// closeWrite half-closes connections that support it (TCP, TLS).
func closeWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
	}
}
