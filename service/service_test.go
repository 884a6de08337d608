package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"can-dashboard/broadcast"
	"can-dashboard/canbus"
	"can-dashboard/common"
	"can-dashboard/link"
	"can-dashboard/supervisor"
)

type MockLink struct {
	mock.Mock
}

func (m *MockLink) BringUp(ctx context.Context, name string, bitrate uint32) error {
	return m.Called(name, bitrate).Error(0)
}

func (m *MockLink) BringDown(ctx context.Context, name string) error {
	return m.Called(name).Error(0)
}

func (m *MockLink) Transmit(ctx context.Context, name string, id uint32, data []byte) error {
	return m.Called(name, id, data).Error(0)
}

type fakeSupervisor struct {
	bitrate  uint32
	held     bool
	releases int
}

func (s *fakeSupervisor) Interface() string { return "can0" }
func (s *fakeSupervisor) Bitrate() uint32   { return s.bitrate }
func (s *fakeSupervisor) SetBitrate(b uint32) {
	if b != 0 {
		s.bitrate = b
	}
}
func (s *fakeSupervisor) Hold() { s.held = true }
func (s *fakeSupervisor) Release() {
	s.held = false
	s.releases++
}

type staticStore struct {
	msgs    []common.Message
	decoded common.DecodedData
}

func (s staticStore) Messages() []common.Message  { return s.msgs }
func (s staticStore) Decoded() common.DecodedData { return s.decoded }

func newTestCAN(link *MockLink, sup *fakeSupervisor, status common.ConnectionStatus) *CAN {
	bc := broadcast.New(status, 8, zerolog.Nop())
	store := staticStore{
		msgs:    []common.Message{{ID: "0x123", Name: "Engine RPM", Data: []int{1, 0}}},
		decoded: common.DecodedData{RPM: 256},
	}
	return New(store, bc, link, sup, zerolog.Nop())
}

var up = common.ConnectionStatus{Connected: true, Interface: "can0", Bitrate: 500000}

func TestQueries(t *testing.T) {
	c := newTestCAN(new(MockLink), &fakeSupervisor{bitrate: 500000}, up)

	assert.Equal(t, up, c.Status())
	assert.Len(t, c.Messages(), 1)
	assert.Equal(t, 256.0, c.Decoded().RPM)

	sub := c.Subscribe()
	defer sub.Close()
	ev := <-sub.Events()
	assert.Equal(t, broadcast.EventStatus, ev.Type)
}

func TestSendWhenConnected(t *testing.T) {
	link := new(MockLink)
	link.On("Transmit", "can0", uint32(0x124), []byte{88}).Return(nil)
	c := newTestCAN(link, &fakeSupervisor{bitrate: 500000}, up)

	require.NoError(t, c.Send(context.Background(), 0x124, []byte{88}))
	link.AssertExpectations(t)
}

func TestSendWhenDisconnected(t *testing.T) {
	link := new(MockLink)
	c := newTestCAN(link, &fakeSupervisor{bitrate: 500000}, common.InitialStatus())

	err := c.Send(context.Background(), 0x124, []byte{88})
	assert.ErrorIs(t, err, ErrNotConnected)
	link.AssertNotCalled(t, "Transmit", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendTransmitFailure(t *testing.T) {
	link := new(MockLink)
	link.On("Transmit", "can0", uint32(0x124), []byte{88}).Return(errors.New("cansend: not found"))
	c := newTestCAN(link, &fakeSupervisor{bitrate: 500000}, up)

	assert.EqualError(t, c.Send(context.Background(), 0x124, []byte{88}), "cansend: not found")
}

func TestConnect(t *testing.T) {
	link := new(MockLink)
	sup := &fakeSupervisor{bitrate: 500000}
	held := func(mock.Arguments) { assert.True(t, sup.held, "supervisor must be held while the link is reset") }
	link.On("BringDown", "can0").Run(held).Return(errors.New("Cannot find device")).Once()
	link.On("BringUp", "can0", uint32(250000)).Run(held).Return(nil).Once()
	c := newTestCAN(link, sup, common.InitialStatus())

	st, err := c.Connect(context.Background(), 250000)
	require.NoError(t, err)
	assert.Equal(t, common.ConnectionStatus{Connected: true, Interface: "can0", Bitrate: 250000}, st)
	assert.False(t, sup.held)
	assert.Equal(t, 1, sup.releases)
	link.AssertExpectations(t)
}

func TestConnectKeepsBitrate(t *testing.T) {
	link := new(MockLink)
	link.On("BringDown", "can0").Return(nil)
	link.On("BringUp", "can0", uint32(500000)).Return(errors.New("Operation not permitted"))
	c := newTestCAN(link, &fakeSupervisor{bitrate: 500000}, common.InitialStatus())

	_, err := c.Connect(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect can0")
}

func TestDisconnect(t *testing.T) {
	link := new(MockLink)
	sup := &fakeSupervisor{bitrate: 500000}
	link.On("BringDown", "can0").Run(func(mock.Arguments) {
		assert.True(t, sup.held, "supervisor must be held before the link goes down")
	}).Return(nil)
	c := newTestCAN(link, sup, up)

	require.NoError(t, c.Disconnect(context.Background()))
	assert.True(t, sup.held)
	assert.Zero(t, sup.releases)
	link.AssertExpectations(t)
}

func TestDisconnectFailure(t *testing.T) {
	link := new(MockLink)
	link.On("BringDown", "can0").Return(errors.New("Operation not permitted"))
	sup := &fakeSupervisor{bitrate: 500000}
	c := newTestCAN(link, sup, up)

	require.Error(t, c.Disconnect(context.Background()))
	assert.False(t, sup.held)
	assert.Equal(t, 1, sup.releases)
}

// sysLink stands in for the OS: BringDown marks the link down before it
// returns, like ip(8) does.
type sysLink struct {
	mu       sync.Mutex
	up       bool
	bringUps int
}

func (l *sysLink) Probe(ctx context.Context, name string) common.ConnectionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.up {
		return common.ConnectionStatus{Interface: name, Bitrate: 500000, Error: "Interface is down"}
	}
	return common.ConnectionStatus{Connected: true, Interface: name, Bitrate: 500000}
}

func (l *sysLink) BringUp(ctx context.Context, name string, bitrate uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.up = true
	l.bringUps++
	return nil
}

func (l *sysLink) BringDown(ctx context.Context, name string) error {
	l.mu.Lock()
	l.up = false
	l.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	return nil
}

func (l *sysLink) Transmit(ctx context.Context, name string, id uint32, data []byte) error {
	return nil
}

func (l *sysLink) state() (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up, l.bringUps
}

type idleChannel struct {
	errs chan error
}

func (c *idleChannel) Open(name string) error { return nil }
func (c *idleChannel) Stop()                  {}
func (c *idleChannel) Errors() <-chan error   { return c.errs }

func TestDisconnectHoldsRunningSupervisor(t *testing.T) {
	sl := &sysLink{up: true}
	bc := broadcast.New(common.InitialStatus(), 64, zerolog.Nop())
	cfg := supervisor.Config{
		Interface:       "can0",
		Bitrate:         500000,
		RetryInterval:   time.Millisecond,
		MonitorInterval: time.Millisecond,
	}
	sup := supervisor.New(cfg, sl, &idleChannel{errs: make(chan error, 1)}, bc, zerolog.Nop())
	c := New(canbus.NewStore(), bc, sl, sup, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return sup.State() == supervisor.Monitoring }, time.Second, time.Millisecond)

	require.NoError(t, c.Disconnect(context.Background()))
	time.Sleep(50 * time.Millisecond)

	isUp, bringUps := sl.state()
	assert.False(t, isUp, "supervisor brought the link back up after a user disconnect")
	assert.Zero(t, bringUps)
	assert.True(t, sup.Held())
	assert.Equal(t, "disconnected by user", c.Status().Error)
}

func TestPayload(t *testing.T) {
	tests := []struct {
		name    string
		in      []int
		want    []byte
		wantErr bool
	}{
		{"empty", []int{}, []byte{}, false},
		{"bytes", []int{0, 127, 255}, []byte{0, 127, 255}, false},
		{"eight bytes", []int{1, 2, 3, 4, 5, 6, 7, 8}, []byte{1, 2, 3, 4, 5, 6, 7, 8}, false},
		{"nine bytes", []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, nil, true},
		{"negative", []int{-1}, nil, true},
		{"too large", []int{256}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Payload(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, link.ErrInvalidFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
