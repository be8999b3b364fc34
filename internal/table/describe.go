package table

import (
	"fmt"
	"strings"
	"text/tabwriter"
)

// Describe renders the schema, null counts and the first sampleN rows. The
// output is deterministic and doubles as the schema description in prompts
// and cache keys.
func Describe(t *Table, sampleN int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "table: %d rows x %d columns\n", t.NumRows(), t.NumCols())

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tcolumn\tnon-null\ttype")
	for i, c := range t.Columns {
		nonNull := 0
		for _, v := range c.Values {
			if v != nil {
				nonNull++
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", i, c.Name, nonNull, c.Type)
	}
	_ = tw.Flush()

	if sampleN > 0 && t.NumRows() > 0 {
		fmt.Fprintf(&b, "first %d rows:\n", min(sampleN, t.NumRows()))
		_ = WriteCSV(&b, t.Head(sampleN))
	}
	return b.String()
}
