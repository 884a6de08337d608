// Package canbus receives frames from a raw CAN socket, decodes them and
// hands them to the broadcaster.
package canbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/brutella/can"
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"

	"can-dashboard/common"
	"can-dashboard/signal"
)

// Flag bits carried in the raw can_id field (linux/can.h).
const (
	effFlag uint32 = 1 << 31 // extended frame format
	rtrFlag uint32 = 1 << 30 // remote transmission request
	errFlag uint32 = 1 << 29 // error frame
	effMask uint32 = 0x1FFFFFFF
	sffMask uint32 = 0x7FF
)

var (
	ErrInterfaceDown = errors.New("canbus: interface is down")
	ErrNotSupported  = errors.New("canbus: raw CAN sockets are not supported on this platform")
	ErrAlreadyOpen   = errors.New("canbus: channel is not closed")
	ErrOpenAborted   = errors.New("canbus: open aborted by stop")
)

// State is the lifecycle state of a Channel.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FrameConn is a source of raw CAN frames.
type FrameConn interface {
	ReadFrame(frame *can.Frame) error
	Close() error
}

// Dialer opens a FrameConn on the named interface. It must fail with
// ErrInterfaceDown when the link is not up.
type Dialer func(name string) (FrameConn, error)

// Publisher receives status changes and frames from the channel.
type Publisher interface {
	Update(fn func(common.ConnectionStatus) common.ConnectionStatus) bool
	PublishFrame(msg common.Message, decoded map[string]float64)
}

// Channel owns the raw socket of one CAN interface.
type Channel struct {
	dial   Dialer
	store  *Store
	pub    Publisher
	logger zerolog.Logger
	now    func() time.Time
	errs   chan error

	mu       deadlock.Mutex
	state    State
	iface    string
	conn     FrameConn
	done     chan struct{}
	opened   chan struct{}
	stopping bool
	abort    bool
}

// NewChannel creates a closed channel. A nil dial selects DialInterface.
func NewChannel(dial Dialer, store *Store, pub Publisher, logger zerolog.Logger) *Channel {
	if dial == nil {
		dial = DialInterface
	}
	return &Channel{
		dial:   dial,
		store:  store,
		pub:    pub,
		logger: logger,
		now:    time.Now,
		errs:   make(chan error, 1),
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Interface returns the name of the interface the channel was last opened on.
func (c *Channel) Interface() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iface
}

// Errors delivers runtime errors that closed the channel. Only the most
// recent undelivered error is kept.
func (c *Channel) Errors() <-chan error {
	return c.errs
}

// Open binds the channel to the named interface and starts the receive loop.
func (c *Channel) Open(name string) error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.state = StateOpening
	c.abort = false
	opened := make(chan struct{})
	c.opened = opened
	c.mu.Unlock()
	defer close(opened)

	conn, err := c.dial(name)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateClosed
		return fmt.Errorf("open CAN channel on %s: %w", name, err)
	}
	if c.abort {
		conn.Close()
		c.state = StateClosed
		return ErrOpenAborted
	}

	c.conn = conn
	c.iface = name
	c.state = StateOpen
	c.done = make(chan struct{})
	go c.receive(conn, c.done)

	c.logger.Info().Str("interface", name).Msg("CAN channel started")
	return nil
}

// Stop closes the socket and waits for the receive loop to exit. While an
// Open is dialing, Stop makes it fail with ErrOpenAborted and waits for it
// to return. It is safe to call in any state and more than once.
func (c *Channel) Stop() {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return
	case StateOpening:
		c.abort = true
		opened := c.opened
		c.mu.Unlock()
		<-opened
		return
	}
	c.stopping = true
	conn, done := c.conn, c.done
	c.mu.Unlock()

	if err := conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("close CAN socket")
	}
	<-done

	c.mu.Lock()
	c.state = StateClosed
	c.conn = nil
	c.stopping = false
	c.mu.Unlock()
	c.logger.Info().Str("interface", c.Interface()).Msg("CAN channel stopped")
}

// receive reads frames until the connection fails or is closed.
func (c *Channel) receive(conn FrameConn, done chan struct{}) {
	defer close(done)
	for {
		var frm can.Frame
		if err := conn.ReadFrame(&frm); err != nil {
			c.fail(conn, err)
			return
		}
		c.handle(frm)
	}
}

// fail turns a read error into a status update unless Stop closed the socket.
func (c *Channel) fail(conn FrameConn, err error) {
	c.mu.Lock()
	if c.stopping || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.conn = nil
	c.mu.Unlock()

	conn.Close()
	c.logger.Error().Err(err).Msg("CAN channel error")

	c.pub.Update(func(st common.ConnectionStatus) common.ConnectionStatus {
		return st.Disconnected(err.Error())
	})

	select {
	case c.errs <- err:
	default:
		select {
		case <-c.errs:
		default:
		}
		c.errs <- err
	}
}

// handle stores, decodes and publishes one raw frame.
func (c *Channel) handle(frm can.Frame) {
	if frm.ID&(errFlag|rtrFlag) != 0 {
		return
	}

	f := ConvertFrame(frm, c.now())
	sig, ok := signal.Decode(f.ID, f.Data)
	msg := c.store.Put(f, sig, ok)

	var delta map[string]float64
	if ok {
		delta = map[string]float64{sig.Key: sig.Value}
	}
	c.pub.PublishFrame(msg, delta)
}

// ConvertFrame strips the flag bits from a raw frame and copies its payload.
func ConvertFrame(frm can.Frame, at time.Time) common.Frame {
	n := int(frm.Length)
	if n > len(frm.Data) {
		n = len(frm.Data)
	}
	f := common.Frame{
		Extended:   frm.ID&effFlag != 0,
		Data:       append([]byte(nil), frm.Data[:n]...),
		ReceivedAt: at,
	}
	if f.Extended {
		f.ID = frm.ID & effMask
	} else {
		f.ID = frm.ID & sffMask
	}
	return f
}
