// Package service is the query facade used by the HTTP and MQTT front ends.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"can-dashboard/broadcast"
	"can-dashboard/common"
	"can-dashboard/link"
	"can-dashboard/signal"
)

// ErrNotConnected is returned by Send while the CAN link is down.
var ErrNotConnected = errors.New("CAN interface is not connected")

// Store exposes the latest frames and decoded signals.
type Store interface {
	Messages() []common.Message
	Decoded() common.DecodedData
}

// Link is the OS capability used for transmit and manual connect/disconnect.
type Link interface {
	BringUp(ctx context.Context, name string, bitrate uint32) error
	BringDown(ctx context.Context, name string) error
	Transmit(ctx context.Context, name string, id uint32, data []byte) error
}

// Supervisor is the part of the reconnect supervisor the facade controls.
type Supervisor interface {
	Interface() string
	Bitrate() uint32
	SetBitrate(bitrate uint32)
	Hold()
	Release()
}

// CAN ties the store, broadcaster, link and supervisor together.
type CAN struct {
	store  Store
	bc     *broadcast.Broadcaster
	link   Link
	sup    Supervisor
	logger zerolog.Logger
}

// New creates the facade.
func New(store Store, bc *broadcast.Broadcaster, link Link, sup Supervisor, logger zerolog.Logger) *CAN {
	return &CAN{
		store:  store,
		bc:     bc,
		link:   link,
		sup:    sup,
		logger: logger,
	}
}

// Messages returns the latest message per identifier.
func (c *CAN) Messages() []common.Message {
	return c.store.Messages()
}

// Decoded returns the last decoded signal values. Values are kept after
// the link goes down so the dashboard keeps showing something.
func (c *CAN) Decoded() common.DecodedData {
	return c.store.Decoded()
}

// Status returns the current connection status.
func (c *CAN) Status() common.ConnectionStatus {
	return c.bc.Status()
}

// Subscribe registers a push subscriber.
func (c *CAN) Subscribe() *broadcast.Subscription {
	return c.bc.Subscribe()
}

// Subscribers returns the number of live push subscribers.
func (c *CAN) Subscribers() int {
	return c.bc.Subscribers()
}

// Signals returns the decoding table.
func (c *CAN) Signals() []signal.Definition {
	return signal.Definitions()
}

// Send transmits one frame. It fails with ErrNotConnected while the link is down.
func (c *CAN) Send(ctx context.Context, id uint32, data []byte) error {
	st := c.bc.Status()
	if !st.Connected {
		c.logger.Warn().Str("id", common.FormatID(id)).Msg("send rejected: not connected")
		return ErrNotConnected
	}
	if err := c.link.Transmit(ctx, st.Interface, id, data); err != nil {
		c.logger.Error().Err(err).Str("id", common.FormatID(id)).Msg("failed to send CAN message")
		return err
	}
	return nil
}

// Payload converts the integer byte list used on the wire into a frame
// payload. Values outside 0..255 and payloads longer than eight bytes are
// rejected with link.ErrInvalidFrame.
func Payload(data []int) ([]byte, error) {
	if len(data) > link.MaxDataLength {
		return nil, fmt.Errorf("%w: %d data bytes, at most %d allowed", link.ErrInvalidFrame, len(data), link.MaxDataLength)
	}
	out := make([]byte, len(data))
	for i, v := range data {
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("%w: data[%d]=%d is not a byte", link.ErrInvalidFrame, i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// Connect resets the link and brings it up with the given bitrate (0 keeps
// the current one), then lets the supervisor pick it up.
func (c *CAN) Connect(ctx context.Context, bitrate uint32) (common.ConnectionStatus, error) {
	name := c.sup.Interface()
	c.sup.SetBitrate(bitrate)
	bitrate = c.sup.Bitrate()

	c.sup.Hold()
	defer c.sup.Release()

	// The link may not exist or may already be down.
	if err := c.link.BringDown(ctx, name); err != nil {
		c.logger.Debug().Err(err).Msg("pre-connect link down")
	}
	if err := c.link.BringUp(ctx, name, bitrate); err != nil {
		return c.Status(), fmt.Errorf("connect %s: %w", name, err)
	}
	return common.ConnectionStatus{Connected: true, Interface: name, Bitrate: bitrate}, nil
}

// Disconnect takes the link down and keeps the supervisor from bringing it
// back up until the next Connect. The hold is taken before the link goes
// down so a supervisor tick in between cannot undo it.
func (c *CAN) Disconnect(ctx context.Context) error {
	name := c.sup.Interface()
	c.sup.Hold()
	if err := c.link.BringDown(ctx, name); err != nil {
		c.sup.Release()
		return fmt.Errorf("disconnect %s: %w", name, err)
	}
	return nil
}
