// Package sym defines canonical symbols for tally segments and system markers.
// These symbols are stable across CLI output and logs.
package sym

// Segment glyphs. Each CLI command group is prefixed with its glyph.
const (
	AM = "≡" // am — configuration and system settings
	IX = "⨳" // ix — ingest external data (uploads, drop directory, remote fetch)
	AX = "⋈" // ax — query job state and results
)

// System infrastructure symbols.
const (
	Pulse      = "꩜" // async jobs, worker pool, checkpoints
	PulseOpen  = "✿" // startup with recovery of jobs left by a previous process
	PulseClose = "❀" // shutdown, workers finish their current job
	DB         = "⊔" // database/storage layer
)

// SymbolToCommand maps segment glyphs to their CLI command names.
var SymbolToCommand = map[string]string{
	AM: "am",
	IX: "submit",
	AX: "status",
}

// CommandToSymbol maps CLI command names back to their segment glyphs.
var CommandToSymbol = map[string]string{
	"am":     AM,
	"submit": IX,
	"status": AX,
}
