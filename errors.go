package balancerd

import (
	"errors"
	"fmt"
)

// Probe failure kinds. A probe's outcome is recorded as the attempt's
// tri-state result, not as one of these values; of them, only
// ErrProbeSocketSetup is returned, when a probe cannot be started.
var (
	ErrProbeBindFailed  = errors.New("probe source bind failed")
	ErrProbeRefused     = errors.New("probe connection refused")
	ErrProbeTimeout     = errors.New("probe timed out")
	ErrProbeBadReply    = errors.New("probe reply did not match expected protocol")
	ErrProbeShortWrite  = errors.New("probe request partially written")
	ErrProbeSocketSetup = errors.New("probe socket setup failed")
)

var (
	ErrNoServerAvailable = errors.New("no server is available to handle this session")
	ErrQueueTimeout      = errors.New("timed out waiting for a server slot")
)

func wrapErr(err error, msg string) error {
	return fmt.Errorf("%s\n%w", msg, err)
}
