// Package sym defines canonical symbols for warden subsystems.
// These symbols are stable across CLI output and structured logs.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // scheduler, worker pool, job runners
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown and idle waits
	DB         = "⊔" // database/storage layer
	Latch      = "⊘" // latched shared resource (drain, swap)
	Phase      = "▦" // maintenance phase and its steps
	AM         = "≡" // configuration
)

// entry binds a glyph to its subsystem name and description.
type entry struct {
	glyph       string
	name        string
	description string
}

var registry = []entry{
	{Pulse, "pulse", "Job scheduling and execution"},
	{PulseOpen, "pulse-open", "Graceful startup"},
	{PulseClose, "pulse-close", "Graceful shutdown and idle waits"},
	{DB, "db", "Database/storage layer"},
	{Latch, "latch", "Exclusive access to the shared database"},
	{Phase, "phase", "Maintenance phases and weighted steps"},
	{AM, "am", "Configuration and system settings"},
}

// Lookup tables built from the registry at init time.
var (
	glyphToName map[string]string
	nameToGlyph map[string]string
)

func init() {
	glyphToName = make(map[string]string, len(registry))
	nameToGlyph = make(map[string]string, len(registry))
	for _, e := range registry {
		glyphToName[e.glyph] = e.name
		nameToGlyph[e.name] = e.glyph
	}
}

// Name returns the subsystem name for a glyph, or "" if unknown.
func Name(glyph string) string {
	return glyphToName[glyph]
}

// FromName returns the glyph for a subsystem name, or "" if unknown.
func FromName(name string) string {
	return nameToGlyph[name]
}

// Describe returns the human-readable description for a glyph.
func Describe(glyph string) string {
	for _, e := range registry {
		if e.glyph == glyph {
			return e.description
		}
	}
	return ""
}
