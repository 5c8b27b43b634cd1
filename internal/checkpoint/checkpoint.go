// Package checkpoint makes ingest progress resumable. A checkpoint is a
// versioned snapshot of run progress persisted as a full overwrite after
// every batch flush; a crash mid-write leaves the prior valid snapshot, never
// a torn one. It is consumed exactly once, at run start, to compute the
// resume point.
package checkpoint

import (
	"encoding/json"
	"time"
)

// Snapshot versions understood by Decode. Version 1 predates byte-offset
// resume and lacks the byte/line/id fields.
const (
	VersionV1 = 1
	VersionV2 = 2
)

// Checkpoint is one progress snapshot. CommittedRecords counts stitched
// records fully committed to staging; CommittedBytes is the export stream
// offset those records were decoded from. The two resume keys compose: bytes
// resume the download layer, records resume the stitch layer.
type Checkpoint struct {
	Version           int       `json:"version"`
	CommittedRecords  int64     `json:"committedRecords"`
	CommittedProducts int64     `json:"committedProducts"`
	CommittedVariants int64     `json:"committedVariants"`
	CommittedBytes    int64     `json:"committedBytes"`
	CommittedLines    int64     `json:"committedLines"`
	LastSuccessfulID  string    `json:"lastSuccessfulId"`
	LastCommitAt      time.Time `json:"lastCommitAtIso"`
	// IsFullSnapshot marks a full-snapshot export boundary, after which the
	// downstream merge may safely apply deletes.
	IsFullSnapshot bool `json:"isFullSnapshot"`
}

// Encode serializes the snapshot for persistence.
func (c Checkpoint) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// decodeShape mirrors the persisted JSON with pointers so field presence can
// be validated per version.
type decodeShape struct {
	Version           *int       `json:"version"`
	CommittedRecords  *int64     `json:"committedRecords"`
	CommittedProducts *int64     `json:"committedProducts"`
	CommittedVariants *int64     `json:"committedVariants"`
	CommittedBytes    *int64     `json:"committedBytes"`
	CommittedLines    *int64     `json:"committedLines"`
	LastSuccessfulID  *string    `json:"lastSuccessfulId"`
	LastCommitAt      *time.Time `json:"lastCommitAtIso"`
	IsFullSnapshot    *bool      `json:"isFullSnapshot"`
}

// Decode parses a persisted snapshot. Malformed shapes and unknown versions
// return nil, meaning the run starts fresh; a bad checkpoint must never be
// silently reinterpreted. Negative counts clamp to zero.
func Decode(raw []byte) *Checkpoint {
	if len(raw) == 0 {
		return nil
	}
	var shape decodeShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil
	}
	if shape.Version == nil || (*shape.Version != VersionV1 && *shape.Version != VersionV2) {
		return nil
	}
	if shape.CommittedRecords == nil || shape.CommittedProducts == nil ||
		shape.CommittedVariants == nil || shape.LastCommitAt == nil || shape.IsFullSnapshot == nil {
		return nil
	}

	cp := &Checkpoint{
		Version:           *shape.Version,
		CommittedRecords:  clamp(*shape.CommittedRecords),
		CommittedProducts: clamp(*shape.CommittedProducts),
		CommittedVariants: clamp(*shape.CommittedVariants),
		LastCommitAt:      *shape.LastCommitAt,
		IsFullSnapshot:    *shape.IsFullSnapshot,
	}
	if cp.Version == VersionV1 {
		return cp
	}

	if shape.CommittedBytes == nil || shape.CommittedLines == nil {
		return nil
	}
	cp.CommittedBytes = clamp(*shape.CommittedBytes)
	cp.CommittedLines = clamp(*shape.CommittedLines)
	if shape.LastSuccessfulID != nil {
		cp.LastSuccessfulID = *shape.LastSuccessfulID
	}
	return cp
}

func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
