// Package consistencygate implements C18: after packaging, decide whether
// a run proceeds to upload, warns, or fails, based on the source
// consistency report's totals.
package consistencygate

import (
	"fmt"

	"github.com/bastion-backup/bastion/engine/consistency"
)

// Policy controls how a non-zero consistency report is treated.
type Policy string

const (
	PolicyWarn   Policy = "warn"
	PolicyFail   Policy = "fail"
	PolicyIgnore Policy = "ignore"
)

// Decision is the gate's verdict.
type Decision struct {
	ShouldWarn bool
	ShouldFail bool
	// UploadAnyway is true when the run fails but
	// upload_on_consistency_failure requested the artifacts still be
	// pushed before the failure propagates.
	UploadAnyway bool
}

// Evaluate implements §4.18 exactly: warn iff policy != ignore and
// report.Total() > 0; fail iff policy == fail and report.Total() >
// threshold.
func Evaluate(policy Policy, threshold uint64, report *consistency.Report, uploadOnFailure bool) Decision {
	total := report.Total()

	d := Decision{}
	if policy != PolicyIgnore && total > 0 {
		d.ShouldWarn = true
	}
	if policy == PolicyFail && total > int64(threshold) {
		d.ShouldFail = true
		d.UploadAnyway = uploadOnFailure
	}
	return d
}

// Err returns the error a failing decision surfaces to the run coordinator.
func Err(report *consistency.Report, threshold uint64) error {
	return fmt.Errorf("consistencygate: consistency total %d exceeds threshold %d", report.Total(), threshold)
}
