// Package staging turns stitched records into bulk-load batches for the
// relational staging area. Rows are buffered per entity type, encoded in the
// COPY text format, and flushed through a Sink once a row-count or byte-size
// threshold is crossed.
package staging

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ProductRow is the staging projection of a product record. Empty strings
// encode as NULL; Raw keeps the full export payload for the merge step.
type ProductRow struct {
	GID         string
	Title       string
	Handle      string
	Vendor      string
	ProductType string
	Status      string
	Tags        []string
	Raw         json.RawMessage
}

// VariantRow is the staging projection of a variant record.
type VariantRow struct {
	GID              string
	ProductGID       string
	Title            string
	SKU              string
	Barcode          string
	Price            string
	CompareAtPrice   string
	HasInventoryQty  bool
	InventoryQty     int64
	InventoryItemGID string
	SelectedOptions  any
	Raw              json.RawMessage
}

// MediaRow is derived from a product or variant payload's media attachments.
type MediaRow struct {
	OwnerGID  string
	GID       string
	MediaType string
	URL       string
	AltText   string
}

func strField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

// productRowFrom projects a product payload into its staging row. Returns
// false when the payload has no id (nothing to key the row on).
func productRowFrom(raw json.RawMessage) (ProductRow, bool) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ProductRow{}, false
	}
	gid := strField(fields, "id")
	if gid == "" {
		return ProductRow{}, false
	}

	var tags []string
	if arr, ok := fields["tags"].([]any); ok {
		for _, t := range arr {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}

	return ProductRow{
		GID:         gid,
		Title:       strField(fields, "title"),
		Handle:      strField(fields, "handle"),
		Vendor:      strField(fields, "vendor"),
		ProductType: strField(fields, "productType"),
		Status:      strField(fields, "status"),
		Tags:        tags,
		Raw:         raw,
	}, true
}

// variantRowFrom projects a variant payload. productGID is the parent id the
// stitcher resolved; the row is rejected without it.
func variantRowFrom(raw json.RawMessage, productGID string) (VariantRow, bool) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return VariantRow{}, false
	}
	gid := strField(fields, "id")
	if gid == "" || productGID == "" {
		return VariantRow{}, false
	}

	row := VariantRow{
		GID:             gid,
		ProductGID:      productGID,
		Title:           strField(fields, "title"),
		SKU:             strField(fields, "sku"),
		Barcode:         strField(fields, "barcode"),
		Price:           strField(fields, "price"),
		CompareAtPrice:  strField(fields, "compareAtPrice"),
		SelectedOptions: fields["selectedOptions"],
		Raw:             raw,
	}
	if qty, ok := fields["inventoryQuantity"].(float64); ok {
		row.HasInventoryQty = true
		row.InventoryQty = int64(qty)
	}
	if item, ok := fields["inventoryItem"].(map[string]any); ok {
		row.InventoryItemGID = strField(item, "id")
	}
	return row, true
}

// mediaRowsFrom extracts media attachments embedded in a product or variant
// payload: the "media" array plus a singular "image" object.
func mediaRowsFrom(raw json.RawMessage, ownerGID string) []MediaRow {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}

	var rows []MediaRow
	if arr, ok := fields["media"].([]any); ok {
		for _, entry := range arr {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if row, ok := mediaRowFrom(m, ownerGID); ok {
				rows = append(rows, row)
			}
		}
	}
	if img, ok := fields["image"].(map[string]any); ok {
		if row, ok := mediaRowFrom(img, ownerGID); ok {
			row.MediaType = "IMAGE"
			rows = append(rows, row)
		}
	}
	return rows
}

func mediaRowFrom(m map[string]any, ownerGID string) (MediaRow, bool) {
	gid := strField(m, "id")
	if gid == "" {
		return MediaRow{}, false
	}
	url := strField(m, "url")
	if url == "" {
		if img, ok := m["image"].(map[string]any); ok {
			url = strField(img, "url")
		}
	}
	if url == "" {
		if preview, ok := m["preview"].(map[string]any); ok {
			if img, ok := preview["image"].(map[string]any); ok {
				url = strField(img, "url")
			}
		}
	}
	alt := strField(m, "alt")
	if alt == "" {
		alt = strField(m, "altText")
	}
	return MediaRow{
		OwnerGID:  ownerGID,
		GID:       gid,
		MediaType: strField(m, "mediaContentType"),
		URL:       url,
		AltText:   alt,
	}, true
}

// legacyIDFrom extracts the trailing numeric segment of a globally-unique id
// like gid://shopify/Product/123456. Returns false when the segment is not a
// positive integer.
func legacyIDFrom(gid string) (int64, bool) {
	idx := strings.LastIndexByte(gid, '/')
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(gid[idx+1:], 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
