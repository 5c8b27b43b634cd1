package jsonl

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, d *Decoder) []Object {
	t.Helper()
	var out []Object
	for {
		obj, err := d.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, obj)
	}
}

func TestDecoder_ValidStream(t *testing.T) {
	input := `{"id":"gid://shop/Product/1","__typename":"Product"}
{"id":"gid://shop/ProductVariant/2","__typename":"ProductVariant","__parentId":"gid://shop/Product/1"}
`
	d := NewDecoder(strings.NewReader(input), Options{})
	objs := drain(t, d)

	require.Len(t, objs, 2)
	assert.Equal(t, "gid://shop/Product/1", objs[0].ID())
	assert.Equal(t, "Product", objs[0].Typename())
	assert.Equal(t, "gid://shop/Product/1", objs[1].ParentID())
	assert.Equal(t, int64(2), objs[1].Line)

	c := d.Counters()
	assert.Equal(t, int64(len(input)), c.BytesRead)
	assert.Equal(t, int64(2), c.TotalLines)
	assert.Equal(t, int64(2), c.ValidLines)
	assert.Equal(t, int64(0), c.InvalidLines)
}

func TestDecoder_ToleratesMalformedLines(t *testing.T) {
	input := "{\"id\":\"a\",\"__typename\":\"Product\"}\n" +
		"\n" +
		"not json at all\n" +
		"{\"noIdentity\":true}\n" +
		"{\"id\":\"b\",\"__typename\":\"Product\"}\n"

	var issues []Issue
	d := NewDecoder(strings.NewReader(input), Options{OnIssue: func(is Issue) { issues = append(issues, is) }})
	objs := drain(t, d)

	require.Len(t, objs, 2)
	assert.Equal(t, "a", objs[0].ID())
	assert.Equal(t, "b", objs[1].ID())

	c := d.Counters()
	assert.Equal(t, int64(5), c.TotalLines)
	assert.Equal(t, int64(2), c.ValidLines)
	assert.Equal(t, int64(3), c.InvalidLines)
	// Every byte is consumed, malformed lines included.
	assert.Equal(t, int64(len(input)), c.BytesRead)

	require.Len(t, issues, 3)
	assert.Equal(t, IssueEmptyLine, issues[0].Kind)
	assert.Equal(t, int64(2), issues[0].Line)
	assert.Equal(t, IssueInvalidJSON, issues[1].Kind)
	assert.Equal(t, IssueInvalidShape, issues[2].Kind)
}

func TestDecoder_StrictMode(t *testing.T) {
	input := "{\"id\":\"a\",\"__typename\":\"Product\"}\nnot json\n"
	d := NewDecoder(strings.NewReader(input), Options{Strict: true})

	_, err := d.Next()
	require.NoError(t, err)

	_, err = d.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_json")
}

func TestDecoder_FinalLineWithoutNewline(t *testing.T) {
	input := "{\"id\":\"a\",\"__typename\":\"Product\"}"
	d := NewDecoder(strings.NewReader(input), Options{})

	objs := drain(t, d)
	require.Len(t, objs, 1)
	assert.Equal(t, int64(len(input)), d.Counters().BytesRead)
}

func TestDecoder_LongLine(t *testing.T) {
	// Longer than the internal buffer; ReadBytes must stitch fragments.
	pad := strings.Repeat("x", 256*1024)
	input := "{\"id\":\"a\",\"__typename\":\"Product\",\"pad\":\"" + pad + "\"}\n"
	d := NewDecoder(strings.NewReader(input), Options{})

	objs := drain(t, d)
	require.Len(t, objs, 1)
	assert.Equal(t, "a", objs[0].ID())
	assert.Equal(t, int64(len(input)), d.Counters().BytesRead)
}

func TestObject_Accessors(t *testing.T) {
	input := `{"id":"mf1","__typename":"Metafield","namespace":"custom","key":"color","jsonValue":{"hex":"#fff"},"owner":{"id":"gid://shop/Product/1","__typename":"Product"}}
`
	d := NewDecoder(strings.NewReader(input), Options{})
	objs := drain(t, d)
	require.Len(t, objs, 1)

	obj := objs[0]
	assert.Equal(t, "custom", obj.Namespace())
	assert.Equal(t, "color", obj.Key())

	owner, ok := obj.MetafieldOwner()
	require.True(t, ok)
	assert.Equal(t, "gid://shop/Product/1", owner.ID)
	assert.Equal(t, "Product", owner.Typename)

	val := obj.MetafieldValue()
	m, ok := val.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "#fff", m["hex"])
}

func TestObject_VariantParentID(t *testing.T) {
	t.Run("prefers embedded product reference", func(t *testing.T) {
		d := NewDecoder(strings.NewReader(
			`{"id":"v1","__typename":"ProductVariant","product":{"id":"p-embedded"},"__parentId":"p-stream"}`+"\n"), Options{})
		objs := drain(t, d)
		require.Len(t, objs, 1)
		assert.Equal(t, "p-embedded", objs[0].VariantParentID())
	})

	t.Run("falls back to stream parent", func(t *testing.T) {
		d := NewDecoder(strings.NewReader(
			`{"id":"v1","__typename":"ProductVariant","__parentId":"p-stream"}`+"\n"), Options{})
		objs := drain(t, d)
		require.Len(t, objs, 1)
		assert.Equal(t, "p-stream", objs[0].VariantParentID())
	})
}

func TestObject_MetafieldValueParsesStringJSON(t *testing.T) {
	d := NewDecoder(strings.NewReader(
		`{"id":"mf1","__typename":"Metafield","namespace":"n","key":"k","jsonValue":"{\"a\":1}","__parentId":"p1"}`+"\n"), Options{})
	objs := drain(t, d)
	require.Len(t, objs, 1)

	val := objs[0].MetafieldValue()
	m, ok := val.(map[string]any)
	require.True(t, ok, "string jsonValue holding JSON should parse")
	assert.Equal(t, float64(1), m["a"])
}
