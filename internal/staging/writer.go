// The batch writer: buffers stitched rows per entity type and flushes each
// type as one COPY batch once a row-count or byte-size threshold is crossed.
package staging

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/funnel/internal/stitch"
)

// Defaults applied by NewWriter when the corresponding Config field is zero.
const (
	DefaultMaxRows  = 500
	DefaultMaxBytes = 4 << 20
	minMaxBytes     = 1024
)

// Validation and merge status tokens staged on every row.
const (
	statusValid   = "valid"
	statusInvalid = "invalid"
	mergePending  = "pending"
)

const copyProductsCommand = `COPY staging_products (bulk_run_id, tenant_id, gid, legacy_id, title, handle, vendor, product_type, status, tags, raw_data, validation_status, merge_status) FROM STDIN WITH (FORMAT text)`

const copyVariantsCommand = `COPY staging_variants (bulk_run_id, tenant_id, gid, product_gid, legacy_id, title, sku, barcode, price, compare_at_price, inventory_quantity, inventory_item_gid, selected_options, raw_data, validation_status, merge_status) FROM STDIN WITH (FORMAT text)`

const copyMediaCommand = `COPY staging_media (bulk_run_id, tenant_id, owner_gid, gid, media_type, url, alt_text) FROM STDIN WITH (FORMAT text)`

// Config configures one Writer. Tenant, RunID, and Sink are required.
type Config struct {
	Tenant   string
	RunID    string
	MaxRows  int
	MaxBytes int
	Sink     Sink
	Logger   *zap.SugaredLogger
}

// Counters reports writer progress. Buffered counts reflect the current
// buffers; copied counts are cumulative.
type Counters struct {
	RecordsSeen      int64
	RecordsSkipped   int64
	ProductsBuffered int64
	VariantsBuffered int64
	MediaBuffered    int64
	ProductsCopied   int64
	VariantsCopied   int64
	MediaCopied      int64
}

// Writer accumulates stitched records into typed row buffers. It is owned by
// one run and is not safe for concurrent use.
type Writer struct {
	cfg Config

	products []ProductRow
	variants []VariantRow
	media    []MediaRow

	bufferedBytes int

	recordsSeen    int64
	recordsSkipped int64
	productsCopied int64
	variantsCopied int64
	mediaCopied    int64

	log *zap.SugaredLogger
}

// NewWriter returns a Writer with defaults applied.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("staging: sink is required")
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxBytes < minMaxBytes {
		cfg.MaxBytes = minMaxBytes
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Writer{cfg: cfg, log: log}, nil
}

// Counters returns a snapshot of the writer counters.
func (w *Writer) Counters() Counters {
	return Counters{
		RecordsSeen:      w.recordsSeen,
		RecordsSkipped:   w.recordsSkipped,
		ProductsBuffered: int64(len(w.products)),
		VariantsBuffered: int64(len(w.variants)),
		MediaBuffered:    int64(len(w.media)),
		ProductsCopied:   w.productsCopied,
		VariantsCopied:   w.variantsCopied,
		MediaCopied:      w.mediaCopied,
	}
}

// HandleRecord maps one stitched record onto its staging buffer and flushes
// when a threshold is crossed. The returned flag tells the orchestrator a
// flush happened, which is the only boundary where a checkpoint may be
// persisted: a checkpoint must never refer to rows still sitting in a buffer.
func (w *Writer) HandleRecord(ctx context.Context, rec stitch.Record) (flushed bool, err error) {
	w.recordsSeen++

	switch rec.Kind {
	case stitch.KindProduct:
		row, ok := productRowFrom(rec.Raw)
		if !ok {
			w.recordsSkipped++
			return false, nil
		}
		w.products = append(w.products, row)
		w.media = append(w.media, mediaRowsFrom(rec.Raw, row.GID)...)
		w.bufferedBytes += len(rec.Raw)

	case stitch.KindVariant:
		row, ok := variantRowFrom(rec.Raw, rec.ParentID)
		if !ok {
			w.recordsSkipped++
			return false, nil
		}
		w.variants = append(w.variants, row)
		w.media = append(w.media, mediaRowsFrom(rec.Raw, row.GID)...)
		w.bufferedBytes += len(rec.Raw)

	case stitch.KindInventoryItem,
		stitch.KindInventoryLevel,
		stitch.KindProductMetafieldPatch,
		stitch.KindVariantMetafieldPatch,
		stitch.KindQuarantineOrphanVariant,
		stitch.KindQuarantineOrphanMetafield,
		stitch.KindQuarantineOrphanInventoryLevel,
		stitch.KindQuarantineInvalidVariant,
		stitch.KindQuarantineInvalidMetafield,
		stitch.KindQuarantineInvalidInventoryLevel:
		// Stitched and counted, but not staged here.
		w.recordsSkipped++
		return false, nil

	default:
		return false, fmt.Errorf("staging: unhandled record kind %q", rec.Kind)
	}

	if !w.shouldFlush() {
		return false, nil
	}
	if err := w.Flush(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (w *Writer) shouldFlush() bool {
	rows := len(w.products) + len(w.variants) + len(w.media)
	return rows >= w.cfg.MaxRows || w.bufferedBytes >= w.cfg.MaxBytes
}

// Flush writes every non-empty buffer as one COPY batch. Entity order is
// fixed: products, then variants, then media, so parent rows are physically
// loaded before rows that reference them.
func (w *Writer) Flush(ctx context.Context) error {
	if len(w.products) > 0 {
		batch := w.products
		w.products = nil
		if err := w.copyProducts(ctx, batch); err != nil {
			return err
		}
		w.productsCopied += int64(len(batch))
	}
	if len(w.variants) > 0 {
		batch := w.variants
		w.variants = nil
		if err := w.copyVariants(ctx, batch); err != nil {
			return err
		}
		w.variantsCopied += int64(len(batch))
	}
	if len(w.media) > 0 {
		batch := w.media
		w.media = nil
		if err := w.copyMedia(ctx, batch); err != nil {
			return err
		}
		w.mediaCopied += int64(len(batch))
	}
	w.bufferedBytes = 0
	return nil
}

func (w *Writer) copyProducts(ctx context.Context, rows []ProductRow) error {
	var b strings.Builder
	for _, row := range rows {
		legacy, hasLegacy := legacyIDFrom(row.GID)

		// Rows missing required fields are still staged, flagged invalid for
		// later inspection rather than dropped.
		valid := hasLegacy && row.Title != "" && row.Handle != "" && row.Status != ""

		fields := []string{
			escapeCopyText(w.cfg.RunID),
			escapeCopyText(w.cfg.Tenant),
			escapeCopyText(row.GID),
			encodeNullableInt(legacy, hasLegacy),
			encodeNullableText(row.Title),
			encodeNullableText(row.Handle),
			encodeNullableText(row.Vendor),
			encodeNullableText(row.ProductType),
			encodeNullableText(row.Status),
			escapeCopyText(encodeTextArray(row.Tags)),
			encodeRawJSONField(row.Raw),
			validationStatus(valid),
			mergePending,
		}
		b.WriteString(strings.Join(fields, "\t"))
		b.WriteByte('\n')
	}

	n, err := w.cfg.Sink.CopyFrom(ctx, copyProductsCommand, strings.NewReader(b.String()))
	if err != nil {
		return fmt.Errorf("copying %d product rows: %w", len(rows), err)
	}
	w.log.Debugw("staged product batch", "tenant", w.cfg.Tenant, "run", w.cfg.RunID, "rows", n)
	return nil
}

func (w *Writer) copyVariants(ctx context.Context, rows []VariantRow) error {
	var b strings.Builder
	for _, row := range rows {
		legacy, hasLegacy := legacyIDFrom(row.GID)

		compareAt := row.CompareAtPrice
		if compareAt == "" {
			compareAt = row.Price
		}
		valid := hasLegacy && row.Title != "" && row.Price != ""

		options, err := encodeJSONField(row.SelectedOptions)
		if err != nil {
			return err
		}

		qty := copyNull
		if row.HasInventoryQty {
			qty = strconv.FormatInt(row.InventoryQty, 10)
		}

		fields := []string{
			escapeCopyText(w.cfg.RunID),
			escapeCopyText(w.cfg.Tenant),
			escapeCopyText(row.GID),
			escapeCopyText(row.ProductGID),
			encodeNullableInt(legacy, hasLegacy),
			encodeNullableText(row.Title),
			encodeNullableText(row.SKU),
			encodeNullableText(row.Barcode),
			encodeNullableText(row.Price),
			encodeNullableText(compareAt),
			qty,
			encodeNullableText(row.InventoryItemGID),
			options,
			encodeRawJSONField(row.Raw),
			validationStatus(valid),
			mergePending,
		}
		b.WriteString(strings.Join(fields, "\t"))
		b.WriteByte('\n')
	}

	n, err := w.cfg.Sink.CopyFrom(ctx, copyVariantsCommand, strings.NewReader(b.String()))
	if err != nil {
		return fmt.Errorf("copying %d variant rows: %w", len(rows), err)
	}
	w.log.Debugw("staged variant batch", "tenant", w.cfg.Tenant, "run", w.cfg.RunID, "rows", n)
	return nil
}

func (w *Writer) copyMedia(ctx context.Context, rows []MediaRow) error {
	var b strings.Builder
	for _, row := range rows {
		fields := []string{
			escapeCopyText(w.cfg.RunID),
			escapeCopyText(w.cfg.Tenant),
			escapeCopyText(row.OwnerGID),
			escapeCopyText(row.GID),
			encodeNullableText(row.MediaType),
			encodeNullableText(row.URL),
			encodeNullableText(row.AltText),
		}
		b.WriteString(strings.Join(fields, "\t"))
		b.WriteByte('\n')
	}

	n, err := w.cfg.Sink.CopyFrom(ctx, copyMediaCommand, strings.NewReader(b.String()))
	if err != nil {
		return fmt.Errorf("copying %d media rows: %w", len(rows), err)
	}
	w.log.Debugw("staged media batch", "tenant", w.cfg.Tenant, "run", w.cfg.RunID, "rows", n)
	return nil
}

func encodeNullableInt(n int64, ok bool) string {
	if !ok {
		return copyNull
	}
	return strconv.FormatInt(n, 10)
}

func validationStatus(valid bool) string {
	if valid {
		return statusValid
	}
	return statusInvalid
}
