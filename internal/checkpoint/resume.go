// Resume-point computation: reconciles a persisted checkpoint with the local
// replay artifact so the download layer (bytes) and the stitch layer
// (records) can restart independently without double-counting.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
)

// ErrResumeImpossible means the checkpoint refers to a byte offset past the
// end of the local replay artifact. Guessing an offset here risks silent data
// loss, so the condition is surfaced instead of repaired; the caller must
// restart the run from scratch or fail loudly.
var ErrResumeImpossible = errors.New("checkpoint byte offset exceeds local replay artifact")

// Mode describes how a run restarts.
type Mode string

const (
	// StartFresh: no usable checkpoint; process from byte zero.
	StartFresh Mode = "fresh"
	// ResumeAppend: the replay artifact ends exactly at the committed offset;
	// continue by appending.
	ResumeAppend Mode = "append"
	// ResumeTruncated: the artifact held bytes past the committed offset
	// (an unprocessed tail from the crashed attempt); it was truncated to the
	// exact offset before resuming.
	ResumeTruncated Mode = "truncated"
)

// Resume is the computed restart point. ByteOffset feeds the download layer;
// SkipRecords tells the stitch layer how many already-committed stitched
// records to pass over before emitting to the writer again.
type Resume struct {
	Mode        Mode
	ByteOffset  int64
	SkipRecords int64
}

// ComputeResume reconciles cp with the replay artifact at replayPath.
//
// No checkpoint: start fresh (any partial replay file is ignored and will be
// rewritten). With a checkpoint at committedBytes = N: an artifact smaller
// than N makes resume impossible; larger is truncated to exactly N (the tail
// past a fully-committed offset is an as-yet-unprocessed continuation, not
// data to preserve); equal resumes by appending.
func ComputeResume(cp *Checkpoint, replayPath string) (Resume, error) {
	if cp == nil {
		return Resume{Mode: StartFresh}, nil
	}

	res := Resume{
		ByteOffset:  cp.CommittedBytes,
		SkipRecords: cp.CommittedRecords,
	}

	info, err := os.Stat(replayPath)
	if err != nil {
		if os.IsNotExist(err) {
			if cp.CommittedBytes == 0 {
				res.Mode = StartFresh
				return res, nil
			}
			return Resume{}, fmt.Errorf("replay artifact %s missing: %w", replayPath, ErrResumeImpossible)
		}
		return Resume{}, fmt.Errorf("stat replay artifact %s: %w", replayPath, err)
	}

	switch {
	case info.Size() < cp.CommittedBytes:
		return Resume{}, fmt.Errorf(
			"replay artifact %s holds %d bytes, checkpoint committed %d: %w",
			replayPath, info.Size(), cp.CommittedBytes, ErrResumeImpossible)

	case info.Size() > cp.CommittedBytes:
		if err := os.Truncate(replayPath, cp.CommittedBytes); err != nil {
			return Resume{}, fmt.Errorf("truncating replay artifact %s to %d: %w", replayPath, cp.CommittedBytes, err)
		}
		res.Mode = ResumeTruncated
		return res, nil

	default:
		res.Mode = ResumeAppend
		return res, nil
	}
}
