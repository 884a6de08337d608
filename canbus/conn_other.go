//go:build !linux

package canbus

// DialInterface is only available on Linux.
func DialInterface(name string) (FrameConn, error) {
	return nil, ErrNotSupported
}
