package worker

import (
	"context"

	"github.com/cursorgate/cursorgate/internal/checksum"
)

// ChecksumRotator keeps the process-wide obfuscated timestamp header in
// step with the wall clock so every outbound checksum carries the current
// kilo-second.
type ChecksumRotator struct{}

// NewChecksumRotator creates a ChecksumRotator.
func NewChecksumRotator() *ChecksumRotator {
	return &ChecksumRotator{}
}

// Name returns the worker identifier.
func (w *ChecksumRotator) Name() string { return "checksum_rotator" }

// Run refreshes the header until ctx is cancelled.
func (w *ChecksumRotator) Run(ctx context.Context) error {
	return checksum.RunHeaderUpdater(ctx)
}
