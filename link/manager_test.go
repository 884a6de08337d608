package link

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

// MockRunner records commands instead of executing them.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	called := m.Called(append([]string{name}, args...))
	out, _ := called.Get(0).([]byte)
	return out, called.Error(1)
}

const upLinkJSON = `[{"ifindex":3,"ifname":"can0","flags":["NOARP","UP","LOWER_UP","ECHO"],"mtu":16,
"operstate":"UP","link_type":"can","linkinfo":{"info_kind":"can","info_data":{"ctrlmode":[],
"state":"ERROR-ACTIVE","restart_ms":0,"bittiming":{"bitrate":500000,"sample_point":"0.875"}}}}]`

const downLinkJSON = `[{"ifindex":3,"ifname":"can0","flags":["NOARP","ECHO"],"mtu":16,
"operstate":"DOWN","link_type":"can","linkinfo":{"info_kind":"can","info_data":{"state":"STOPPED","bitrate":250000}}}]`

const vcanLinkJSON = `[{"ifindex":4,"ifname":"vcan0","flags":["NOARP","UP","LOWER_UP"],"mtu":72,
"operstate":"UNKNOWN","link_type":"can","linkinfo":{"info_kind":"vcan"}}]`

var probeArgs = []string{"ip", "-d", "-j", "link", "show", "can0"}

func newTestManager(r Runner) *Manager {
	return NewManager(r, nil, zerolog.Nop())
}

func TestProbeUp(t *testing.T) {
	r := new(MockRunner)
	r.On("Run", probeArgs).Return([]byte(upLinkJSON), nil)

	status := newTestManager(r).Probe(context.Background(), "can0")

	assert.True(t, status.Connected)
	assert.Equal(t, "can0", status.Interface)
	assert.Equal(t, uint32(500000), status.Bitrate)
	assert.Empty(t, status.Error)
	r.AssertExpectations(t)
}

func TestProbeDown(t *testing.T) {
	r := new(MockRunner)
	r.On("Run", probeArgs).Return([]byte(downLinkJSON), nil)

	status := newTestManager(r).Probe(context.Background(), "can0")

	assert.False(t, status.Connected)
	assert.Equal(t, uint32(250000), status.Bitrate)
	assert.Equal(t, "interface exists but is not up", status.Error)
}

func TestProbeVirtualInterface(t *testing.T) {
	r := new(MockRunner)
	r.On("Run", []string{"ip", "-d", "-j", "link", "show", "vcan0"}).Return([]byte(vcanLinkJSON), nil)

	status := newTestManager(r).Probe(context.Background(), "vcan0")

	assert.True(t, status.Connected)
	assert.Zero(t, status.Bitrate)
}

func TestProbeMissingInterface(t *testing.T) {
	r := new(MockRunner)
	r.On("Run", probeArgs).Return([]byte(nil), errors.New(`Device "can0" does not exist.`))

	status := newTestManager(r).Probe(context.Background(), "can0")

	assert.False(t, status.Connected)
	assert.Equal(t, "can0", status.Interface)
	assert.Contains(t, status.Error, "interface not found")
	assert.Contains(t, status.Error, "does not exist")
}

func TestProbeGarbageOutput(t *testing.T) {
	r := new(MockRunner)
	r.On("Run", probeArgs).Return([]byte("not json"), nil)

	status := newTestManager(r).Probe(context.Background(), "can0")

	assert.False(t, status.Connected)
	assert.Contains(t, status.Error, "parse ip output")
}

func TestProbeIsIdempotent(t *testing.T) {
	r := new(MockRunner)
	r.On("Run", probeArgs).Return([]byte(upLinkJSON), nil)
	m := newTestManager(r)

	first := m.Probe(context.Background(), "can0")
	second := m.Probe(context.Background(), "can0")
	assert.Equal(t, first, second)
}

func TestBringUpOrder(t *testing.T) {
	r := new(MockRunner)
	var calls [][]string
	r.On("Run", mock.Anything).Run(func(args mock.Arguments) {
		calls = append(calls, args.Get(0).([]string))
	}).Return([]byte(nil), nil)

	err := newTestManager(r).BringUp(context.Background(), "can0", 500000)
	require.NoError(t, err)

	require.Len(t, calls, 2)
	assert.Equal(t, []string{"ip", "link", "set", "can0", "type", "can", "bitrate", "500000"}, calls[0])
	assert.Equal(t, []string{"ip", "link", "set", "can0", "up"}, calls[1])
}

func TestBringUpStopsAtFirstFailure(t *testing.T) {
	r := new(MockRunner)
	r.On("Run", []string{"ip", "link", "set", "can0", "type", "can", "bitrate", "125000"}).
		Return([]byte(nil), errors.New("Operation not permitted"))

	err := newTestManager(r).BringUp(context.Background(), "can0", 125000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set bitrate on can0")
	r.AssertNotCalled(t, "Run", []string{"ip", "link", "set", "can0", "up"})
}

func TestBringUpLinkUpFailure(t *testing.T) {
	r := new(MockRunner)
	r.On("Run", []string{"ip", "link", "set", "can0", "type", "can", "bitrate", "500000"}).Return([]byte(nil), nil)
	r.On("Run", []string{"ip", "link", "set", "can0", "up"}).Return([]byte(nil), errors.New("No such device"))

	err := newTestManager(r).BringUp(context.Background(), "can0", 500000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set can0 up")
}

func TestBringDown(t *testing.T) {
	r := new(MockRunner)
	r.On("Run", []string{"ip", "link", "set", "can0", "down"}).Return([]byte(nil), nil)

	require.NoError(t, newTestManager(r).BringDown(context.Background(), "can0"))
	r.AssertExpectations(t)
}

func TestFormatCansend(t *testing.T) {
	tests := []struct {
		id       uint32
		data     []byte
		expected string
		hasError bool
	}{
		{0x123, []byte{0x01, 0x00}, "123#0100", false},
		{0x7, []byte{0xDE, 0xAD, 0xBE, 0xEF}, "007#DEADBEEF", false},
		{0x7FF, nil, "7FF#", false},
		{0x18DAF110, []byte{0x02, 0x10, 0x03}, "18DAF110#021003", false},
		{0x20000000, []byte{0x00}, "", true},
		{0x123, make([]byte, 9), "", true},
	}

	for _, tt := range tests {
		out, err := FormatCansend(tt.id, tt.data)
		if tt.hasError {
			assert.ErrorIs(t, err, ErrInvalidFrame)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.expected, out)
	}
}

func TestTransmit(t *testing.T) {
	r := new(MockRunner)
	r.On("Run", []string{"cansend", "can0", "124#58"}).Return([]byte(nil), nil)

	require.NoError(t, newTestManager(r).Transmit(context.Background(), "can0", 0x124, []byte{88}))
	r.AssertExpectations(t)
}

func TestTransmitFailure(t *testing.T) {
	r := new(MockRunner)
	r.On("Run", []string{"cansend", "can0", "124#58"}).Return([]byte(nil), errors.New("write: No buffer space available"))

	err := newTestManager(r).Transmit(context.Background(), "can0", 0x124, []byte{88})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transmit 0x124 on can0")
}

func TestTransmitInvalidFrameRunsNothing(t *testing.T) {
	r := new(MockRunner)

	err := newTestManager(r).Transmit(context.Background(), "can0", 0x123, make([]byte, 12))
	assert.ErrorIs(t, err, ErrInvalidFrame)
	r.AssertNotCalled(t, "Run", mock.Anything)
}

func TestNetlinkProber(t *testing.T) {
	tests := []struct {
		name      string
		link      netlink.Link
		err       error
		connected bool
		bitrate   uint32
		reason    string
	}{
		{
			name:      "up can link",
			link:      &netlink.Can{LinkAttrs: netlink.LinkAttrs{Name: "can0", Flags: net.FlagUp}, BitRate: 500000},
			connected: true,
			bitrate:   500000,
		},
		{
			name:    "down can link",
			link:    &netlink.Can{LinkAttrs: netlink.LinkAttrs{Name: "can0"}, BitRate: 250000},
			bitrate: 250000,
			reason:  "interface exists but is not up",
		},
		{
			name:   "missing link",
			err:    errors.New("Link not found"),
			reason: "interface not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &NetlinkProber{linkByName: func(string) (netlink.Link, error) { return tt.link, tt.err }}
			status := p.Probe(context.Background(), "can0")

			assert.Equal(t, tt.connected, status.Connected)
			assert.Equal(t, tt.bitrate, status.Bitrate)
			assert.Contains(t, status.Error, tt.reason)
		})
	}
}
