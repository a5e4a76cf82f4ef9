// Package watchdog disables and restores the firmware watchdog timer
// around the long, uninterruptible operations the relocator performs
// (ExitBootServices, the page-table copies, SetVirtualAddressMap).
package watchdog

import "github.com/vmware/esx-boot-sub002/kernel/kerrors"

// defaultTimeoutSeconds is the timeout firmware falls back to once the
// boot loader no longer resets it; UEFI's own default is five minutes.
const defaultTimeoutSeconds = 5 * 60

// WatchdogServices is the subset of Boot Services the watchdog needs.
type WatchdogServices interface {
	SetWatchdogTimer(seconds uint64) error
}

// state mirrors a minimal acquire/release lock: Disable and
// RestoreDefault are the only two transitions, with no allocation and no
// recursion, styled after a spinlock's two-state model.
type state uint8

const (
	stateDefault state = iota
	stateDisabled
)

// Watchdog wraps one firmware watchdog timer. The zero value is ready to
// use once FW is set.
type Watchdog struct {
	FW WatchdogServices

	state state
}

// Disable silences the watchdog for the duration of an operation that
// cannot tolerate firmware resetting the platform mid-flight. Calling it
// twice without an intervening RestoreDefault is a programmer error and
// returns ErrInvalidParameter rather than silently re-disabling.
func (w *Watchdog) Disable() error {
	if w.state == stateDisabled {
		return kerrors.ErrInvalidParameter
	}
	if err := w.FW.SetWatchdogTimer(0); err != nil {
		return err
	}
	w.state = stateDisabled
	return nil
}

// RestoreDefault re-arms the watchdog at its default timeout. Calling it
// while already at the default is a no-op success, mirroring a lock's
// tolerant unlock-when-unlocked behavior for this single-threaded context.
func (w *Watchdog) RestoreDefault() error {
	if w.state == stateDefault {
		return nil
	}
	if err := w.FW.SetWatchdogTimer(defaultTimeoutSeconds); err != nil {
		return err
	}
	w.state = stateDefault
	return nil
}
