// Package link manages the OS side of the CAN interface: probing link state,
// bringing the link up with a bitrate, taking it down and transmitting
// frames through cansend.
package link

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"can-dashboard/common"
)

// Maximum values accepted by Transmit.
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxDataLength = 8
)

var (
	// ErrInvalidFrame is returned by Transmit for out-of-range identifiers or payloads.
	ErrInvalidFrame = errors.New("link: invalid frame")
)

// Runner executes an OS command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

// Run executes the command. A failing command's output is folded into the error.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Prober reports the current state of a network interface. It never fails:
// problems are reported through the Error field of the returned status.
type Prober interface {
	Probe(ctx context.Context, name string) common.ConnectionStatus
}

// Manager is the interface manager of the CAN link.
type Manager struct {
	runner Runner
	prober Prober
	logger zerolog.Logger
}

// NewManager creates a manager that runs OS commands through runner and
// probes with prober. A nil prober selects the ip(8) JSON prober.
func NewManager(runner Runner, prober Prober, logger zerolog.Logger) *Manager {
	if runner == nil {
		runner = ExecRunner{}
	}
	if prober == nil {
		prober = NewIPProber(runner)
	}
	return &Manager{
		runner: runner,
		prober: prober,
		logger: logger,
	}
}

// Probe queries the link state of the named interface.
func (m *Manager) Probe(ctx context.Context, name string) common.ConnectionStatus {
	status := m.prober.Probe(ctx, name)
	if status.Error != "" {
		m.logger.Debug().Str("interface", name).Str("error", status.Error).Msg("probe")
	}
	return status
}

// BringUp configures the bitrate and sets the link up, in that order. The
// first failing step aborts the sequence. It does not retry.
func (m *Manager) BringUp(ctx context.Context, name string, bitrate uint32) error {
	if _, err := m.runner.Run(ctx, "ip", "link", "set", name, "type", "can", "bitrate", strconv.FormatUint(uint64(bitrate), 10)); err != nil {
		m.logger.Error().Err(err).Str("interface", name).Msg("failed to set bitrate")
		return fmt.Errorf("set bitrate on %s: %w", name, err)
	}
	if _, err := m.runner.Run(ctx, "ip", "link", "set", name, "up"); err != nil {
		m.logger.Error().Err(err).Str("interface", name).Msg("failed to set link up")
		return fmt.Errorf("set %s up: %w", name, err)
	}
	m.logger.Info().Str("interface", name).Uint32("bitrate", bitrate).Msg("CAN interface brought up")
	return nil
}

// BringDown sets the link down.
func (m *Manager) BringDown(ctx context.Context, name string) error {
	if _, err := m.runner.Run(ctx, "ip", "link", "set", name, "down"); err != nil {
		return fmt.Errorf("set %s down: %w", name, err)
	}
	m.logger.Info().Str("interface", name).Msg("CAN interface brought down")
	return nil
}

// Transmit sends one frame on the named interface through cansend.
func (m *Manager) Transmit(ctx context.Context, name string, id uint32, data []byte) error {
	arg, err := FormatCansend(id, data)
	if err != nil {
		return err
	}
	if _, err := m.runner.Run(ctx, "cansend", name, arg); err != nil {
		return fmt.Errorf("transmit %s on %s: %w", common.FormatID(id), name, err)
	}
	m.logger.Debug().Str("interface", name).Str("frame", arg).Msg("frame sent")
	return nil
}

// FormatCansend renders a frame in cansend's <can_id>#<data> notation.
// Identifiers above 0x7FF are written with 8 hex digits, which marks them
// as extended.
func FormatCansend(id uint32, data []byte) (string, error) {
	if id > MaxExtendedID {
		return "", fmt.Errorf("%w: identifier %s out of range", ErrInvalidFrame, common.FormatID(id))
	}
	if len(data) > MaxDataLength {
		return "", fmt.Errorf("%w: %d data bytes, at most %d allowed", ErrInvalidFrame, len(data), MaxDataLength)
	}
	payload := strings.ToUpper(hex.EncodeToString(data))
	if id > MaxStandardID {
		return fmt.Sprintf("%08X#%s", id, payload), nil
	}
	return fmt.Sprintf("%03X#%s", id, payload), nil
}
