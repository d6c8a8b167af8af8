// Package stun discovers the address the server is reachable at from the
// outside, so the startup log can print the URL clients should dial.
package stun

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pion/stun"
)

var ErrNoMappedAddress = errors.New("stun response carried no mapped address")

// Client discovers a public address via a STUN binding request.
type Client interface {
	DiscoverPublicIP(ctx context.Context, stunServer string) (string, error)
}

type pionClient struct{}

func New() Client {
	return &pionClient{}
}

// DiscoverPublicIP sends one binding request to stunServer and returns the
// XOR-mapped IP. Cancelling ctx aborts the transaction.
func (c *pionClient) DiscoverPublicIP(ctx context.Context, stunServer string) (string, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "udp", stunServer)
	if err != nil {
		return "", fmt.Errorf("failed to dial STUN server: %w", err)
	}
	defer conn.Close()

	client, err := stun.NewClient(conn)
	if err != nil {
		return "", fmt.Errorf("failed to create STUN client: %w", err)
	}
	defer client.Close()

	type result struct {
		ip  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		err := client.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(ev stun.Event) {
			if ev.Error != nil {
				res.err = ev.Error
				return
			}
			var xorAddr stun.XORMappedAddress
			if err := xorAddr.GetFrom(ev.Message); err == nil {
				res.ip = xorAddr.IP.String()
				return
			}
			var mapped stun.MappedAddress
			if err := mapped.GetFrom(ev.Message); err != nil {
				res.err = ErrNoMappedAddress
				return
			}
			res.ip = mapped.IP.String()
		})
		if res.err == nil && err != nil {
			res.err = err
		}
		done <- res
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return "", ctx.Err()
	case res := <-done:
		return res.ip, res.err
	}
}
