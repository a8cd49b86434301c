// Package sym defines the symbols postpulse attaches to log lines and CLI output.
// Symbols are logged as a structured field, never inside the message.
package sym

// System symbols
const (
	Pulse      = "꩜" // scheduler ticks and executions
	PulseOpen  = "✿" // daemon startup
	PulseClose = "❀" // daemon shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Post       = "✎" // post content and publish history
)

// ComponentSymbols maps a component logger name to its symbol.
var ComponentSymbols = map[string]string{
	"pulse.ticker":    Pulse,
	"pulse.engine":    Pulse,
	"pulse.janitor":   Pulse,
	"db":              DB,
	"am":              AM,
	"post":            Post,
	"publisher":       Post,
	"server":          Pulse,
	"server.ws":       Pulse,
	"server.grpc":     Pulse,
	"daemon":          PulseOpen,
	"daemon.shutdown": PulseClose,
}

// ForComponent returns the symbol registered for a component, or Pulse.
func ForComponent(name string) string {
	if s, ok := ComponentSymbols[name]; ok {
		return s
	}
	return Pulse
}
