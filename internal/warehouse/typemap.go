package warehouse

// NumericScale is the fractional precision of warehouse decimal columns.
// Source numeric values are rendered and saturated against NUMERIC(19,8).
const NumericScale = 8

// TargetType describes how a source column type lands in the warehouse.
type TargetType struct {
	DDL     string // warehouse column type
	ByteLen int    // staged value truncation limit in bytes, 0 = none
	Numeric bool   // fixed-precision rendering and saturation apply
}

// TypeFor maps a source column type, as the decoder spells it, onto its
// warehouse column type. Types without a special mapping pass through
// unchanged; the parser has already rejected anything it cannot decode.
func TypeFor(sourceType string) TargetType {
	switch sourceType {
	case "numeric", "decimal":
		return TargetType{DDL: "NUMERIC(19,8)", Numeric: true}
	case "uuid":
		return TargetType{DDL: "VARCHAR(36)", ByteLen: 36}
	case "text", "json", "jsonb", "bytea", "oid", "array",
		"public.citext", "public.hstore", "interval":
		return TargetType{DDL: "VARCHAR(65535)", ByteLen: 65535}
	default:
		return TargetType{DDL: sourceType}
	}
}
