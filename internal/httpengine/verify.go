package httpengine

import (
	"fmt"
	"os"

	"github.com/accelara/clidm/internal/checksum"
	"github.com/accelara/clidm/internal/clidmerr"
	"github.com/accelara/clidm/internal/reporter"
)

// Verifier checks a completed file against either a SHA-256 digest or a
// known size, emitting the sub-status records a progress UI distinguishes
// (checking_existing_file, checksum_verifying, checksum_verified,
// size_verified).
type Verifier struct {
	report func(reporter.Record)
}

// NewVerifier builds a Verifier that reports through report. report may be
// nil to run silently (used by tests).
func NewVerifier(report func(reporter.Record)) *Verifier {
	if report == nil {
		report = func(reporter.Record) {}
	}
	return &Verifier{report: report}
}

// VerifyFile checks path against expectedSHA256 if non-empty, else against
// expectedSize. It returns nil only when the file passes.
func (v *Verifier) VerifyFile(path, expectedSHA256 string, expectedSize int64) error {
	v.report(reporter.Record{Type: "http", Status: "verifying", VerifyStatus: "checking_existing_file"})

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if expectedSHA256 != "" {
		v.report(reporter.Record{Type: "http", Status: "verifying", VerifyStatus: "checksum_verifying"})
		ok, _, err := checksum.Verify(path, expectedSHA256)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", path, err)
		}
		if !ok {
			return clidmerr.New(clidmerr.KindIntegrity, "checksum mismatch")
		}
		v.report(reporter.Record{Type: "http", Status: "verifying", VerifyStatus: "checksum_verified", Verified: true})
		return nil
	}

	if expectedSize > 0 && info.Size() != expectedSize {
		return clidmerr.NewIncomplete(nil, info.Size(), expectedSize)
	}
	v.report(reporter.Record{Type: "http", Status: "verifying", VerifyStatus: "size_verified", Verified: true})
	return nil
}
