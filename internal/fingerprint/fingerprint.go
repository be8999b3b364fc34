// Package fingerprint derives the structural content hashes used to
// identify snapshots and to key the response cache.
package fingerprint

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/suPer8Hu/tablechat/internal/table"
)

// DefaultSample is the number of leading rows hashed into a table fingerprint.
const DefaultSample = 5

// Table hashes column names, column types, the shape and the first
// sampleSize rows. Tables that differ only below the sample collide.
func Table(t *table.Table, sampleSize int) string {
	types := make([]string, t.NumCols())
	for i, c := range t.Columns {
		types[i] = string(c.Type)
	}
	sample := renderSample(t, sampleSize)

	return sum(join('|',
		join(',', t.ColumnNames()...),
		join(',', types...),
		strconv.Itoa(t.NumRows())+"x"+strconv.Itoa(t.NumCols()),
		sample,
	))
}

// CacheKey hashes the three lookup fields. Separators inside a field are
// escaped, so moving text across a field boundary changes the key.
func CacheKey(promptTemplate, schemaDescription, userQuery string) string {
	return sum(join('|', promptTemplate, schemaDescription, userQuery))
}

// nullCell marks a null in the sample. String cells starting with a
// backslash get one more, so no string renders as nullCell.
const nullCell = `\N`

func renderSample(t *table.Table, n int) string {
	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write(t.ColumnNames())
	h := t.Head(n)
	rec := make([]string, h.NumCols())
	for i := 0; i < h.NumRows(); i++ {
		for j, v := range h.Row(i) {
			rec[j] = cell(v)
		}
		_ = w.Write(rec)
	}
	w.Flush()
	return b.String()
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return nullCell
	case string:
		if strings.HasPrefix(x, `\`) {
			return `\` + x
		}
		return x
	}
	return table.FormatValue(v)
}

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// join concatenates parts with sep, backslash-escaping sep and backslash
// inside each part.
func join(sep byte, parts ...string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(sep)
		}
		for j := 0; j < len(p); j++ {
			if p[j] == sep || p[j] == '\\' {
				b.WriteByte('\\')
			}
			b.WriteByte(p[j])
		}
	}
	return b.String()
}
