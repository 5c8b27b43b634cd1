// Package stitch reconstructs parent-child object graphs from a flat,
// out-of-order bulk export stream. Children may arrive before or long after
// their parents; the stitcher resolves each one against a bounded in-memory
// recency cache backed by hashed-bucket files on disk, and never needs the
// full parent or child set resident in memory.
package stitch

import "encoding/json"

// Kind discriminates the stitched record union. Consumers must switch
// exhaustively over these values.
type Kind string

const (
	KindProduct               Kind = "product"
	KindInventoryItem         Kind = "inventory_item"
	KindVariant               Kind = "variant"
	KindInventoryLevel        Kind = "inventory_level"
	KindProductMetafieldPatch Kind = "product_metafield_patch"
	KindVariantMetafieldPatch Kind = "variant_metafield_patch"

	// Orphans: the declared parent id never appeared anywhere in the stream.
	// Terminal; detected only at finalize time.
	KindQuarantineOrphanVariant        Kind = "quarantine_orphan_variant"
	KindQuarantineOrphanMetafield      Kind = "quarantine_orphan_metafield"
	KindQuarantineOrphanInventoryLevel Kind = "quarantine_orphan_inventory_level"

	// Invalid: the record itself is structurally unusable. Never buffered,
	// never retried.
	KindQuarantineInvalidVariant        Kind = "quarantine_invalid_variant"
	KindQuarantineInvalidMetafield      Kind = "quarantine_invalid_metafield"
	KindQuarantineInvalidInventoryLevel Kind = "quarantine_invalid_inventory_level"
)

// InvalidReason explains a quarantine_invalid_* record.
type InvalidReason string

const (
	ReasonMissingID           InvalidReason = "missing_id"
	ReasonMissingParentID     InvalidReason = "missing_parent_id"
	ReasonMissingOwnerID      InvalidReason = "missing_owner_id"
	ReasonMissingNamespaceKey InvalidReason = "missing_namespace_key"
)

// OwnerType is a metafield's owner entity type. The export may declare it
// explicitly or leave it unknown when only a generic parent reference is
// present; the writer routes on it without re-deriving.
type OwnerType string

const (
	OwnerProduct OwnerType = "Product"
	OwnerVariant OwnerType = "ProductVariant"
	OwnerUnknown OwnerType = "Unknown"
)

// Record is one stitched output record. Which fields are meaningful depends
// on Kind:
//
//	product, inventory_item:     ID
//	variant:                     ID, ParentID (resolved product id)
//	inventory_level:             ID, ParentID (resolved inventory item id)
//	*_metafield_patch:           ID, ParentID (owner id), Owner, Namespace, Key, Value
//	quarantine_orphan_*:         ID, MissingParentID
//	quarantine_invalid_*:        ID (may be ""), Reason
//
// Raw always carries the original export line.
type Record struct {
	Kind            Kind
	ID              string
	ParentID        string
	Owner           OwnerType
	Namespace       string
	Key             string
	Value           any
	MissingParentID string
	Reason          InvalidReason
	Raw             json.RawMessage
}

// EmitFunc receives each stitched record exactly once, after parent
// confirmation or explicit quarantine. An error aborts the run.
type EmitFunc func(Record) error

// Counters reports per-kind stitching progress. All counts are monotonic.
type Counters struct {
	ProductsSeen             int64
	VariantsSeen             int64
	VariantsEmitted          int64
	VariantsBufferedInMemory int64
	VariantsSpilledToDisk    int64
	VariantsQuarantined      int64

	MetafieldsSeen          int64
	MetafieldsEmitted       int64
	MetafieldsSpilledToDisk int64
	MetafieldsQuarantined   int64

	InventoryItemsSeen           int64
	InventoryLevelsSeen          int64
	InventoryLevelsEmitted       int64
	InventoryLevelsSpilledToDisk int64
	InventoryLevelsQuarantined   int64
}
