// Package supervisor keeps the CAN link and frame channel alive: it probes
// the interface, brings it up when it is down, opens the channel once it is
// up and tears everything down again when the link disappears.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"can-dashboard/common"
)

// State is the supervisor's position in its reconnect cycle.
type State int

const (
	Disconnected State = iota
	Retrying
	Connected
	Monitoring
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Retrying:
		return "retrying"
	case Connected:
		return "connected"
	case Monitoring:
		return "monitoring"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrAlreadyRunning is returned when Run is called while another Run is active.
var ErrAlreadyRunning = errors.New("supervisor: already running")

// heldReason is reported while a user disconnect holds the link down.
const heldReason = "disconnected by user"

// LinkManager is the OS side of the interface.
type LinkManager interface {
	Probe(ctx context.Context, name string) common.ConnectionStatus
	BringUp(ctx context.Context, name string, bitrate uint32) error
}

// FrameChannel is the raw socket reader.
type FrameChannel interface {
	Open(name string) error
	Stop()
	Errors() <-chan error
}

// StatusPublisher stores and broadcasts the connection status.
type StatusPublisher interface {
	PublishIfChanged(status common.ConnectionStatus) bool
	Update(fn func(common.ConnectionStatus) common.ConnectionStatus) bool
}

// Config holds the supervisor settings.
type Config struct {
	Interface       string        `mapstructure:"interface"`
	Bitrate         uint32        `mapstructure:"bitrate"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

// DefaultConfig returns the default supervisor settings.
func DefaultConfig() Config {
	return Config{
		Interface:       "can0",
		Bitrate:         500000,
		RetryInterval:   30 * time.Second,
		MonitorInterval: 10 * time.Second,
	}
}

// Supervisor is the reconnect state machine. Step is not safe for
// concurrent use; Run is the only caller outside of tests.
type Supervisor struct {
	cfg     Config
	link    LinkManager
	channel FrameChannel
	status  StatusPublisher
	logger  zerolog.Logger

	state   atomic.Int32
	running atomic.Bool
	held    atomic.Bool
	kick    chan struct{}

	mu      sync.Mutex
	bitrate uint32
}

// New creates a supervisor in the Disconnected state.
func New(cfg Config, link LinkManager, channel FrameChannel, status StatusPublisher, logger zerolog.Logger) *Supervisor {
	def := DefaultConfig()
	if cfg.Interface == "" {
		cfg.Interface = def.Interface
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = def.Bitrate
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	return &Supervisor{
		cfg:     cfg,
		link:    link,
		channel: channel,
		status:  status,
		logger:  logger,
		kick:    make(chan struct{}, 1),
		bitrate: cfg.Bitrate,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	if old := State(s.state.Swap(int32(st))); old != st {
		s.logger.Debug().Stringer("from", old).Stringer("to", st).Msg("state change")
	}
}

// Interface returns the supervised interface name.
func (s *Supervisor) Interface() string {
	return s.cfg.Interface
}

// Bitrate returns the bitrate used for the next bring-up.
func (s *Supervisor) Bitrate() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitrate
}

// SetBitrate changes the bitrate used for the next bring-up.
func (s *Supervisor) SetBitrate(bitrate uint32) {
	if bitrate == 0 {
		return
	}
	s.mu.Lock()
	s.bitrate = bitrate
	s.mu.Unlock()
}

// Hold stops bring-up attempts until Release is called. The health check
// keeps running, so a link taken down while held ends up in Retrying.
func (s *Supervisor) Hold() {
	s.held.Store(true)
	s.Kick()
}

// Release resumes bring-up attempts and triggers an immediate step.
func (s *Supervisor) Release() {
	s.held.Store(false)
	s.Kick()
}

// Held reports whether bring-up attempts are suspended.
func (s *Supervisor) Held() bool {
	return s.held.Load()
}

// Kick asks a running supervisor to step immediately.
func (s *Supervisor) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the state machine until ctx is cancelled. The frame channel is
// stopped on return.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	defer s.channel.Stop()

	s.logger.Info().Str("interface", s.cfg.Interface).Msg("CAN supervisor started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("CAN supervisor stopped")
			return ctx.Err()
		case err := <-s.channel.Errors():
			s.ChannelFailed(err)
		case <-s.kick:
		case <-timer.C:
		}

		delay := s.Step(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)
	}
}

// ChannelFailed handles a runtime error of the frame channel. The channel
// has already published the disconnected status.
func (s *Supervisor) ChannelFailed(err error) {
	if s.State() != Monitoring {
		return
	}
	s.logger.Warn().Err(err).Msg("CAN channel failed, restarting cycle")
	s.channel.Stop()
	s.setState(Disconnected)
}

// Step performs one transition and returns how long to wait before the
// next one.
func (s *Supervisor) Step(ctx context.Context) time.Duration {
	switch s.State() {
	case Disconnected:
		return s.stepDisconnected(ctx)
	case Retrying:
		return s.stepRetrying(ctx)
	case Connected:
		return s.stepConnected()
	case Monitoring:
		return s.stepMonitoring(ctx)
	default:
		s.setState(Disconnected)
		return 0
	}
}

func (s *Supervisor) stepDisconnected(ctx context.Context) time.Duration {
	st := s.probe(ctx)
	if st.Connected {
		s.status.PublishIfChanged(st)
		s.setState(Connected)
		return 0
	}
	if s.Held() {
		st.Error = heldReason
	}
	s.status.PublishIfChanged(st)
	s.logger.Warn().Str("interface", s.cfg.Interface).Str("reason", st.Error).Msg("CAN interface is not connected")
	s.setState(Retrying)
	if s.Held() {
		return s.cfg.MonitorInterval
	}
	return 0
}

func (s *Supervisor) stepRetrying(ctx context.Context) time.Duration {
	// The link may have been brought up from outside since the last attempt.
	if st := s.probe(ctx); st.Connected {
		s.status.PublishIfChanged(st)
		s.setState(Connected)
		return 0
	} else if s.Held() {
		s.status.PublishIfChanged(st.Disconnected(heldReason))
		return s.cfg.MonitorInterval
	}

	if err := s.link.BringUp(ctx, s.cfg.Interface, s.Bitrate()); err != nil {
		s.logger.Warn().Err(err).Dur("retry_in", s.cfg.RetryInterval).Msg("bring-up failed")
		s.status.Update(func(st common.ConnectionStatus) common.ConnectionStatus {
			st.Interface = s.cfg.Interface
			return st.Disconnected(err.Error())
		})
		return s.cfg.RetryInterval
	}

	st := s.probe(ctx)
	s.status.PublishIfChanged(st)
	if !st.Connected {
		return s.cfg.RetryInterval
	}
	s.setState(Connected)
	return 0
}

func (s *Supervisor) stepConnected() time.Duration {
	// An error left over from the previous channel must not tear down the
	// one opened now.
	select {
	case err := <-s.channel.Errors():
		s.logger.Debug().Err(err).Msg("discarding stale CAN channel error")
	default:
	}

	if err := s.channel.Open(s.cfg.Interface); err != nil {
		s.logger.Error().Err(err).Msg("failed to open CAN channel")
		s.status.Update(func(st common.ConnectionStatus) common.ConnectionStatus {
			return st.Disconnected(err.Error())
		})
		s.setState(Disconnected)
		return s.cfg.RetryInterval
	}
	s.setState(Monitoring)
	return s.cfg.MonitorInterval
}

func (s *Supervisor) stepMonitoring(ctx context.Context) time.Duration {
	st := s.probe(ctx)
	if !st.Connected {
		if s.Held() {
			st.Error = heldReason
		}
		s.status.PublishIfChanged(st)
		s.logger.Warn().Str("reason", st.Error).Msg("CAN connection lost")
		s.channel.Stop()
		s.setState(Disconnected)
		return 0
	}
	s.status.PublishIfChanged(st)
	return s.cfg.MonitorInterval
}

func (s *Supervisor) probe(ctx context.Context) common.ConnectionStatus {
	return s.link.Probe(ctx, s.cfg.Interface)
}
