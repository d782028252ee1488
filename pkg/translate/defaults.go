package translate

// DefaultWordPairs returns the built-in PostgreSQL to Redshift reserved-word
// table, in substitution order.
//
// No target here equals any source, so the table is stable under a second
// pass. Keep it that way when adding entries.
func DefaultWordPairs() []WordPair {
	return []WordPair{
		{Source: "string_agg", Target: "listagg"},
		{Source: "regexp_matches", Target: "regexp_substr"},
		{Source: "now", Target: "getdate"},
		{Source: "clock_timestamp", Target: "sysdate"},
		{Source: "bigserial", Target: "bigint identity(1,1)"},
		{Source: "serial", Target: "integer identity(1,1)"},
		{Source: "bytea", Target: "varbyte"},
		{Source: "jsonb", Target: "super"},
		{Source: "double precision", Target: "float8"},
		{Source: "character varying", Target: "varchar"},
	}
}

// DefaultMapping returns the built-in reserved-word mapping.
func DefaultMapping() *Mapping {
	return MustMapping(DefaultWordPairs())
}
