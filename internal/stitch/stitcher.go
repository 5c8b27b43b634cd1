// The stitching engine: classification, parent recording, orphan buffering
// and spill, and the bounded-memory finalize pass.
package stitch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/funnel/internal/jsonl"
)

// Export type discriminators the stitcher recognizes. Anything else passes
// through unclassified and is ignored.
const (
	typenameProduct        = "Product"
	typenameInventoryItem  = "InventoryItem"
	typenameVariant        = "ProductVariant"
	typenameMetafield      = "Metafield"
	typenameInventoryLevel = "InventoryLevel"
)

// Spill file kind segments.
const (
	spillKindVariant        = "variant"
	spillKindMetafield      = "metafield"
	spillKindInventoryLevel = "inventory_level"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultBucketCount      = 256
	MinBucketCount          = 8
	DefaultMaxMemoryParents = 50_000
	DefaultMaxMemoryOrphans = 50_000
)

// Config configures one Stitcher. ArtifactsDir, Tenant, and Emit are
// required; zero-valued limits take the package defaults.
type Config struct {
	ArtifactsDir     string
	Tenant           string
	BucketCount      int
	MaxMemoryParents int
	MaxMemoryOrphans int
	Emit             EmitFunc
	Logger           *zap.SugaredLogger
}

// Stitcher owns the recent-parent cache, the in-memory orphan buffer, and the
// per-run spill files. It is exclusively owned by one run and is not safe for
// concurrent use.
type Stitcher struct {
	cfg Config

	parentsDir    string
	orphansDir    string
	quarantineDir string

	recent        *recentSet
	buffered      map[string][]spillEnvelope
	bufferedCount int

	files    *appenderSet
	counters Counters
	log      *zap.SugaredLogger
}

// New creates the run's artifact subdirectories and returns a ready Stitcher.
func New(cfg Config) (*Stitcher, error) {
	if cfg.ArtifactsDir == "" {
		return nil, fmt.Errorf("stitch: artifacts dir is required")
	}
	if cfg.Emit == nil {
		return nil, fmt.Errorf("stitch: emit callback is required")
	}
	if cfg.BucketCount <= 0 {
		cfg.BucketCount = DefaultBucketCount
	}
	if cfg.BucketCount < MinBucketCount {
		cfg.BucketCount = MinBucketCount
	}
	if cfg.MaxMemoryParents <= 0 {
		cfg.MaxMemoryParents = DefaultMaxMemoryParents
	}
	if cfg.MaxMemoryOrphans <= 0 {
		cfg.MaxMemoryOrphans = DefaultMaxMemoryOrphans
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	s := &Stitcher{
		cfg:           cfg,
		parentsDir:    filepath.Join(cfg.ArtifactsDir, "parents"),
		orphansDir:    filepath.Join(cfg.ArtifactsDir, "orphans"),
		quarantineDir: filepath.Join(cfg.ArtifactsDir, "quarantine"),
		recent:        newRecentSet(cfg.MaxMemoryParents),
		buffered:      make(map[string][]spillEnvelope),
		files:         newAppenderSet(),
		log:           log,
	}
	for _, dir := range []string{s.parentsDir, s.orphansDir, s.quarantineDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return s, nil
}

// Counters returns a snapshot of the stitching counters.
func (s *Stitcher) Counters() Counters { return s.counters }

// Close releases the spill file handles. The stitcher is unusable afterwards.
func (s *Stitcher) Close() error { return s.files.Close() }

// ProcessObject classifies one decoded export object and either emits it,
// buffers it, or spills it. Malformed children are quarantined and counted,
// never returned as errors; disk failures propagate.
func (s *Stitcher) ProcessObject(obj jsonl.Object) error {
	switch obj.Typename() {
	case typenameProduct:
		return s.processParent(obj, KindProduct, &s.counters.ProductsSeen)
	case typenameInventoryItem:
		return s.processParent(obj, KindInventoryItem, &s.counters.InventoryItemsSeen)
	case typenameVariant:
		return s.processVariant(obj)
	case typenameMetafield:
		return s.processMetafield(obj)
	case typenameInventoryLevel:
		return s.processInventoryLevel(obj)
	default:
		return nil
	}
}

// processParent records a parent-establishing record: index its id, forward
// it, then drain any variants that were buffered waiting for exactly this id.
func (s *Stitcher) processParent(obj jsonl.Object, kind Kind, seen *int64) error {
	id := obj.ID()
	if id == "" {
		// A parent without an id cannot anchor children; nothing to do.
		return nil
	}
	*seen++

	if err := s.recordParentID(id); err != nil {
		return err
	}
	if err := s.cfg.Emit(Record{Kind: kind, ID: id, Raw: obj.Raw}); err != nil {
		return err
	}

	waiting := s.buffered[id]
	if len(waiting) == 0 {
		return nil
	}
	delete(s.buffered, id)
	s.bufferedCount -= len(waiting)
	for _, env := range waiting {
		if err := s.emitVariant(env); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stitcher) processVariant(obj jsonl.Object) error {
	s.counters.VariantsSeen++

	id := obj.ID()
	if id == "" {
		s.counters.VariantsQuarantined++
		return s.cfg.Emit(Record{Kind: KindQuarantineInvalidVariant, Reason: ReasonMissingID, Raw: obj.Raw})
	}
	parentID := obj.VariantParentID()
	if parentID == "" {
		s.counters.VariantsQuarantined++
		return s.cfg.Emit(Record{Kind: KindQuarantineInvalidVariant, ID: id, Reason: ReasonMissingParentID, Raw: obj.Raw})
	}

	env := spillEnvelope{Typename: typenameVariant, ID: id, ParentID: parentID, Raw: obj.Raw}

	// Fast path: parent seen recently.
	if s.recent.Has(parentID) {
		return s.emitVariant(env)
	}

	// Buffer in memory up to the cap; beyond it, spill to disk. The buffer is
	// never evicted, so an over-cap arrival spills rather than displacing an
	// earlier orphan.
	if s.bufferedCount < s.cfg.MaxMemoryOrphans {
		s.buffered[parentID] = append(s.buffered[parentID], env)
		s.bufferedCount++
		s.counters.VariantsBufferedInMemory++
		return nil
	}

	if err := s.spill(spillKindVariant, env); err != nil {
		return err
	}
	s.counters.VariantsSpilledToDisk++
	return nil
}

func (s *Stitcher) processMetafield(obj jsonl.Object) error {
	s.counters.MetafieldsSeen++

	id := obj.ID()
	if id == "" {
		s.counters.MetafieldsQuarantined++
		return s.cfg.Emit(Record{Kind: KindQuarantineInvalidMetafield, Reason: ReasonMissingID, Raw: obj.Raw})
	}
	owner, ok := obj.MetafieldOwner()
	if !ok {
		s.counters.MetafieldsQuarantined++
		return s.cfg.Emit(Record{Kind: KindQuarantineInvalidMetafield, ID: id, Reason: ReasonMissingOwnerID, Raw: obj.Raw})
	}
	ns, key := obj.Namespace(), obj.Key()
	if ns == "" || key == "" {
		s.counters.MetafieldsQuarantined++
		return s.cfg.Emit(Record{Kind: KindQuarantineInvalidMetafield, ID: id, Reason: ReasonMissingNamespaceKey, Raw: obj.Raw})
	}

	env := spillEnvelope{
		Typename:  typenameMetafield,
		ID:        id,
		ParentID:  owner.ID,
		OwnerType: ownerTypeFromTypename(owner.Typename),
		Namespace: ns,
		Key:       key,
		Value:     obj.MetafieldValue(),
		Raw:       obj.Raw,
	}

	if s.recent.Has(env.ParentID) {
		return s.emitMetafieldPatch(env)
	}

	if err := s.spill(spillKindMetafield, env); err != nil {
		return err
	}
	s.counters.MetafieldsSpilledToDisk++
	return nil
}

func (s *Stitcher) processInventoryLevel(obj jsonl.Object) error {
	s.counters.InventoryLevelsSeen++

	id := obj.ID()
	if id == "" {
		s.counters.InventoryLevelsQuarantined++
		return s.cfg.Emit(Record{Kind: KindQuarantineInvalidInventoryLevel, Reason: ReasonMissingID, Raw: obj.Raw})
	}
	itemID := obj.ParentID()
	if itemID == "" {
		s.counters.InventoryLevelsQuarantined++
		return s.cfg.Emit(Record{Kind: KindQuarantineInvalidInventoryLevel, ID: id, Reason: ReasonMissingParentID, Raw: obj.Raw})
	}

	env := spillEnvelope{Typename: typenameInventoryLevel, ID: id, ParentID: itemID, Raw: obj.Raw}

	if s.recent.Has(itemID) {
		return s.emitInventoryLevel(env)
	}

	if err := s.spill(spillKindInventoryLevel, env); err != nil {
		return err
	}
	s.counters.InventoryLevelsSpilledToDisk++
	return nil
}

// Finalize resolves every remaining spilled orphan, bucket by bucket. Phase
// one flushes the in-memory buffer to disk so all pending work is uniformly
// file-backed; phase two loads one bucket's parent ids at a time and either
// emits or quarantines each spilled child. Peak memory is bounded by one
// bucket regardless of stream size.
func (s *Stitcher) Finalize() error {
	for _, envs := range s.buffered {
		for _, env := range envs {
			if err := s.spill(spillKindVariant, env); err != nil {
				return err
			}
			s.counters.VariantsSpilledToDisk++
		}
	}
	s.buffered = make(map[string][]spillEnvelope)
	s.bufferedCount = 0

	// Everything written so far must be visible to the readers below.
	if err := s.files.Flush(); err != nil {
		return err
	}

	for bucket := 0; bucket < s.cfg.BucketCount; bucket++ {
		parentIDs, err := s.loadParentBucket(bucket)
		if err != nil {
			return err
		}
		for _, kind := range []string{spillKindVariant, spillKindMetafield, spillKindInventoryLevel} {
			if err := s.resolveOrphanBucket(kind, bucket, parentIDs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Stitcher) recordParentID(id string) error {
	s.recent.Add(id)
	return s.files.appendLine(s.parentBucketPath(bucketFor(id, s.cfg.BucketCount)), []byte(id))
}

func (s *Stitcher) spill(kind string, env spillEnvelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s spill envelope: %w", kind, err)
	}
	bucket := bucketFor(env.ParentID, s.cfg.BucketCount)
	return s.files.appendLine(s.orphanBucketPath(kind, bucket), line)
}

func (s *Stitcher) emitVariant(env spillEnvelope) error {
	if err := s.cfg.Emit(Record{Kind: KindVariant, ID: env.ID, ParentID: env.ParentID, Raw: env.Raw}); err != nil {
		return err
	}
	s.counters.VariantsEmitted++
	return nil
}

func (s *Stitcher) emitMetafieldPatch(env spillEnvelope) error {
	kind := KindProductMetafieldPatch
	if env.OwnerType == OwnerVariant {
		kind = KindVariantMetafieldPatch
	}
	rec := Record{
		Kind:      kind,
		ID:        env.ID,
		ParentID:  env.ParentID,
		Owner:     env.OwnerType,
		Namespace: env.Namespace,
		Key:       env.Key,
		Value:     env.Value,
		Raw:       env.Raw,
	}
	if err := s.cfg.Emit(rec); err != nil {
		return err
	}
	s.counters.MetafieldsEmitted++
	return nil
}

func (s *Stitcher) emitInventoryLevel(env spillEnvelope) error {
	if err := s.cfg.Emit(Record{Kind: KindInventoryLevel, ID: env.ID, ParentID: env.ParentID, Raw: env.Raw}); err != nil {
		return err
	}
	s.counters.InventoryLevelsEmitted++
	return nil
}

// loadParentBucket reads one bucket's accumulated parent ids into a set.
func (s *Stitcher) loadParentBucket(bucket int) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	f, err := os.Open(s.parentBucketPath(bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, fmt.Errorf("opening parent bucket %d: %w", bucket, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			set[id] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning parent bucket %d: %w", bucket, err)
	}
	return set, nil
}

// resolveOrphanBucket streams one kind's spilled orphans for one bucket and
// emits or quarantines each entry. Corrupt spill lines are skipped.
func (s *Stitcher) resolveOrphanBucket(kind string, bucket int, parentIDs map[string]struct{}) error {
	f, err := os.Open(s.orphanBucketPath(kind, bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening %s orphan bucket %d: %w", kind, bucket, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var env spillEnvelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			continue
		}

		if _, ok := parentIDs[env.ParentID]; ok {
			if err := s.resolveEnvelope(kind, env); err != nil {
				return err
			}
			continue
		}
		if err := s.quarantineOrphan(kind, env); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning %s orphan bucket %d: %w", kind, bucket, err)
	}
	return nil
}

func (s *Stitcher) resolveEnvelope(kind string, env spillEnvelope) error {
	switch kind {
	case spillKindVariant:
		if env.Typename != typenameVariant {
			return nil
		}
		return s.emitVariant(env)
	case spillKindMetafield:
		if env.Typename != typenameMetafield {
			return nil
		}
		return s.emitMetafieldPatch(env)
	case spillKindInventoryLevel:
		if env.Typename != typenameInventoryLevel {
			return nil
		}
		return s.emitInventoryLevel(env)
	default:
		return fmt.Errorf("unknown spill kind %q", kind)
	}
}

// quarantineOrphan records a child whose parent never appeared: a diagnostic
// line in the quarantine directory plus a terminal quarantine record to the
// sink.
func (s *Stitcher) quarantineOrphan(kind string, env spillEnvelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding quarantine envelope: %w", err)
	}
	if err := s.files.appendLine(s.quarantinePath(kind), line); err != nil {
		return err
	}

	s.log.Warnw("orphan quarantined: parent never appeared in stream",
		"tenant", s.cfg.Tenant,
		"kind", kind,
		"id", env.ID,
		"missing_parent_id", env.ParentID,
	)

	var rec Record
	switch kind {
	case spillKindVariant:
		s.counters.VariantsQuarantined++
		rec = Record{Kind: KindQuarantineOrphanVariant, ID: env.ID, MissingParentID: env.ParentID, Raw: env.Raw}
	case spillKindMetafield:
		s.counters.MetafieldsQuarantined++
		rec = Record{Kind: KindQuarantineOrphanMetafield, ID: env.ID, MissingParentID: env.ParentID, Raw: env.Raw}
	case spillKindInventoryLevel:
		s.counters.InventoryLevelsQuarantined++
		rec = Record{Kind: KindQuarantineOrphanInventoryLevel, ID: env.ID, MissingParentID: env.ParentID, Raw: env.Raw}
	default:
		return fmt.Errorf("unknown spill kind %q", kind)
	}
	return s.cfg.Emit(rec)
}

func ownerTypeFromTypename(tn string) OwnerType {
	switch tn {
	case string(OwnerProduct):
		return OwnerProduct
	case string(OwnerVariant):
		return OwnerVariant
	default:
		return OwnerUnknown
	}
}
