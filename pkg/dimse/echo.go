package dimse

import (
	"context"
	"fmt"
	"time"

	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/network"
	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/services"
)

func (c *Client) destination(peer Node) *network.Destination {
	return &network.Destination{
		HostName:  peer.Host,
		Port:      peer.Port,
		CalledAE:  peer.AETitle,
		CallingAE: c.cfg.Local.AETitle,
		IsCFind:   true,
		IsCMove:   true,
	}
}

// Echo verifies the peer with C-ECHO
func (c *Client) Echo(ctx context.Context, peer Node) error {
	start := time.Now()
	err := runBlocking(ctx, func() error {
		scu := services.NewSCU(c.destination(peer))
		return scu.EchoSCU(TimeoutCEcho)
	})
	if err != nil {
		c.log.Warn().
			Err(err).
			Str("peer", peer.String()).
			Dur("duration", time.Since(start)).
			Msg("C-ECHO failed")
		return fmt.Errorf("C-ECHO failed: %w", err)
	}

	c.log.Debug().
		Str("peer", peer.String()).
		Dur("duration", time.Since(start)).
		Msg("C-ECHO successful")
	return nil
}

// runBlocking runs an SCU call that has no context support. The call keeps
// running until its own timeout when ctx ends first.
func runBlocking(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
