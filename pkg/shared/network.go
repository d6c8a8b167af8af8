package shared

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"
)

var relayBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, RelayBufferSize)
		return &b
	},
}

// GetRelayBuffer returns a RelayBufferSize scratch buffer from the pool.
func GetRelayBuffer() *[]byte {
	return relayBufPool.Get().(*[]byte)
}

// PutRelayBuffer returns a buffer obtained from GetRelayBuffer.
func PutRelayBuffer(b *[]byte) {
	if b == nil || cap(*b) < RelayBufferSize {
		return
	}
	*b = (*b)[:RelayBufferSize]
	relayBufPool.Put(b)
}

// DialTCP opens a TCP connection bounded by timeout and ctx.
func DialTCP(ctx context.Context, address string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ResolvePreferIPv4 resolves host and returns "ip:port", choosing the first
// IPv4 address when one exists.
func ResolvePreferIPv4(ctx context.Context, host string, port int) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	chosen := addrs[0].IP
	for _, a := range addrs {
		if a.IP.To4() != nil {
			chosen = a.IP
			break
		}
	}
	return net.JoinHostPort(chosen.String(), strconv.Itoa(port)), nil
}

// CopyWithMetrics copies src to dst through a pooled buffer, reporting each
// successful write to recordBytes. A clean EOF returns a nil error.
func CopyWithMetrics(dst io.Writer, src io.Reader, recordBytes func(int64)) (written int64, err error) {
	bp := GetRelayBuffer()
	defer PutRelayBuffer(bp)
	buf := *bp
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[0:nr])
			if nw < 0 || nr < nw {
				nw = 0
				if ew == nil {
					ew = fmt.Errorf("invalid write result")
				}
			}
			written += int64(nw)
			if recordBytes != nil && nw > 0 {
				recordBytes(int64(nw))
			}
			if ew != nil {
				err = ew
				break
			}
			if nr != nw {
				err = io.ErrShortWrite
				break
			}
		}
		if er != nil {
			if er != io.EOF {
				err = er
			}
			break
		}
	}
	return written, err
}

// IsClosedConnError reports errors that mean the peer went away rather than
// something went wrong: EOF, use of a closed connection, reset or abort.
func IsClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

// CloseWrite half-closes conn when it supports it, else closes it.
func CloseWrite(conn net.Conn) error {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return conn.Close()
}
