package tile

// RowHint is a per-row opcode used by compositing to skip work on rows that
// are uniformly opaque or uniformly transparent. Allocation of the hint
// array is deferred until first use (design note: "Row hints as a sparse
// enum").
type RowHint int

const (
	HintUnknown RowHint = iota
	HintOpaque
	HintTransparent
	HintMixed
	HintOutOfRange
)
