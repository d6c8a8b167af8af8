package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/dan-v/geotunnel/internal/handshake"
	"github.com/dan-v/geotunnel/internal/metrics"
	"github.com/dan-v/geotunnel/internal/protocol"
	"github.com/dan-v/geotunnel/internal/relay"
	"github.com/dan-v/geotunnel/internal/routing"
	"github.com/dan-v/geotunnel/pkg/shared"
)

var ErrBlocked = errors.New("destination blocked by routing rules")

// request is a completed local handshake.
type request struct {
	dest protocol.Destination
	// src replaces the raw connection as the local read side.
	src io.Reader
	// reply reports the outcome to the local client; a forwarded plain HTTP
	// request only answers failures, the origin answers the rest.
	reply func(ok bool) error
	proto string
}

func (c *Client) handle(ctx context.Context, conn net.Conn, detect bool) {
	defer conn.Close()
	client := conn.RemoteAddr().String()

	metrics.RecordLocalConnection()
	defer metrics.RecordLocalConnectionClosed()

	conn.SetReadDeadline(time.Now().Add(shared.TunnelHandshakeTimeout))
	req, stage, err := c.readRequest(conn, detect)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		if !errors.Is(err, io.EOF) {
			metrics.RecordHandshakeFailure()
			shared.LogProtocolError(c.logger, client, stage, err)
		}
		return
	}

	target := req.dest.String()
	decision := c.engine.Match(target)
	metrics.RecordRoute(string(decision.Action))
	c.logger.Debug("routed", "client", client, "proto", req.proto, "dest", target,
		"action", decision.Action, "rule", decision.Rule)

	id := shared.NewConnID("conn")
	c.tracker.AddConnection(id, client, target, string(decision.Action))
	defer c.tracker.RemoveConnection(id)

	remote, err := c.openRemote(ctx, decision.Action, req.dest)
	if err != nil {
		metrics.RecordLocalFailure()
		c.tracker.SetConnectionError(id)
		c.logger.Info("connect failed", "client", client, "dest", target, "action", decision.Action, "error", err)
		req.reply(false)
		return
	}
	if err := req.reply(true); err != nil {
		remote.Close()
		shared.LogProtocolError(c.logger, client, req.proto+" reply", err)
		return
	}

	shared.LogConnectionf("%s -> %s via %s", client, target, decision.Action)
	res := relay.Run(conn, req.src, remote)
	c.release(remote, res)

	metrics.RecordBytes(res.Sent, res.Received)
	c.tracker.UpdateConnection(id, res.Received, res.Sent)
	if res.Err != nil {
		c.tracker.SetConnectionError(id)
		c.logger.Debug("relay ended with error", "client", client, "dest", target, "error", res.Err)
	}
	shared.LogClosef("%s -> %s closed (sent %d, received %d)", client, target, res.Sent, res.Received)
}

// readRequest runs the local handshake. stage names the step that failed.
func (c *Client) readRequest(conn net.Conn, detect bool) (*request, string, error) {
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		return nil, "peek", err
	}

	if detect && first[0] == shared.SOCKS5Version {
		dest, err := handshake.SOCKS5(br, conn)
		if err != nil {
			return nil, "socks5 handshake", err
		}
		return &request{
			dest:  dest,
			src:   br,
			reply: func(ok bool) error { return handshake.WriteSOCKS5Reply(conn, dest, ok) },
			proto: "socks5",
		}, "", nil
	}

	hr, err := handshake.ReadHTTPRequest(br, c.cfg.HTTPForward)
	if err != nil {
		if hr != nil {
			handshake.WriteHTTPReply(conn, hr.Version, false)
		}
		return nil, "http handshake", err
	}
	dest, err := protocol.ParseDestination(hr.Target)
	if err != nil {
		handshake.WriteHTTPReply(conn, hr.Version, false)
		return nil, "http target", err
	}
	if hr.Connect {
		return &request{
			dest:  dest,
			src:   br,
			reply: func(ok bool) error { return handshake.WriteHTTPReply(conn, hr.Version, ok) },
			proto: "http",
		}, "", nil
	}
	return &request{
		dest: dest,
		src:  handshake.NewForwardReader(br, hr),
		reply: func(ok bool) error {
			if ok {
				return nil
			}
			return handshake.WriteHTTPReply(conn, hr.Version, false)
		},
		proto: "http-forward",
	}, "", nil
}

// openRemote connects the destination the way the routing action says.
func (c *Client) openRemote(ctx context.Context, action routing.Action, dest protocol.Destination) (relay.Remote, error) {
	switch action {
	case routing.ActionBlock:
		return relay.Remote{}, ErrBlocked
	case routing.ActionDirect:
		conn, err := shared.DialTCP(ctx, dest.DialAddress(), shared.DirectDialTimeout)
		if err != nil {
			return relay.Remote{}, shared.NewProxyError(shared.ErrorUpstream, "direct dial", err)
		}
		return relay.Direct(conn), nil
	default:
		s, err := c.pool.Checkout(ctx)
		if err != nil {
			return relay.Remote{}, err
		}
		if err := relay.Connect(s, dest.String()); err != nil {
			if shared.IsTransport(err) {
				c.pool.Discard(s)
			} else {
				c.pool.Checkin(s)
			}
			return relay.Remote{}, err
		}
		return relay.Tunnel(s), nil
	}
}

// release returns a tunnel session to the pool when the relay left it idle
// on both ends.
func (c *Client) release(remote relay.Remote, res relay.Result) {
	if remote.Kind() != relay.KindTunnel {
		return
	}
	if res.Reusable {
		c.pool.Checkin(remote.Session())
		return
	}
	c.pool.Discard(remote.Session())
}
