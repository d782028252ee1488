package translate

import "strings"

// AssertIdiom is one recognised two-line statement pair at the head of a
// query and the two lines that replace it.
type AssertIdiom struct {
	Name        string
	Head        [2]string
	Replacement [2]string
}

// DefaultAssertIdioms returns the built-in idiom table.
func DefaultAssertIdioms() []AssertIdiom {
	return []AssertIdiom{
		{
			Name: "warehouse-freshness",
			Head: [2]string{
				"SELECT assert_fresh('warehouse.fact_orders');",
				"SELECT assert_fresh('warehouse.dim_customers');",
			},
			Replacement: [2]string{
				"CALL etl.assert_fact_orders_fresh();",
				"CALL etl.assert_dim_customers_fresh();",
			},
		},
	}
}

// RewriteAssertIdioms replaces the first two lines of query when both match
// an idiom's head exactly. The first matching idiom wins. Anything else,
// including a query where only one of the two lines matches, is returned
// unchanged.
func RewriteAssertIdioms(query string, idioms []AssertIdiom) string {
	if len(idioms) == 0 {
		return query
	}

	lines := strings.SplitN(query, "\n", 3)
	if len(lines) < 2 {
		return query
	}

	first, cr1 := cutCR(lines[0])
	second, cr2 := cutCR(lines[1])

	for _, idiom := range idioms {
		if first != idiom.Head[0] || second != idiom.Head[1] {
			continue
		}
		lines[0] = idiom.Replacement[0] + cr1
		lines[1] = idiom.Replacement[1] + cr2
		return strings.Join(lines, "\n")
	}

	return query
}

// cutCR splits a trailing carriage return off a line.
func cutCR(line string) (string, string) {
	if strings.HasSuffix(line, "\r") {
		return line[:len(line)-1], "\r"
	}
	return line, ""
}
