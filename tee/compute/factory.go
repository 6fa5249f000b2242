package compute

import "strings"

// EngineType is the declarative token selecting a script engine.
type EngineType string

const (
	// EngineGoja is the production JavaScript engine.
	EngineGoja EngineType = "goja"
	// EngineV8 and EngineDuktape are recognized but not implemented; the
	// factory maps them to the default engine.
	EngineV8      EngineType = "v8"
	EngineDuktape EngineType = "duktape"
)

// DefaultEngineType returns the engine used when no explicit choice is made
// or the chosen engine is unavailable.
func DefaultEngineType() EngineType {
	return EngineGoja
}

// ParseEngineType maps a token to an engine type, case-insensitively.
// Unknown tokens resolve to the default.
func ParseEngineType(token string) EngineType {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "goja", "js", "javascript":
		return EngineGoja
	case "v8":
		return EngineV8
	case "duktape", "duk":
		return EngineDuktape
	default:
		return DefaultEngineType()
	}
}

// NewEngine creates the engine for the given type. Unimplemented types fall
// back to the default engine with a logged warning rather than failing the
// caller - availability over strictness, by documented policy.
func NewEngine(engineType EngineType, cfg Config) Engine {
	switch engineType {
	case EngineGoja:
		return NewGojaEngine(cfg)
	case EngineV8, EngineDuktape:
		cfg.Logger.Warn().
			Str("engine_type", string(engineType)).
			Str("fallback", string(DefaultEngineType())).
			Msg("engine type not implemented, falling back to default")
		return NewGojaEngine(cfg)
	default:
		cfg.Logger.Warn().
			Str("engine_type", string(engineType)).
			Str("fallback", string(DefaultEngineType())).
			Msg("unknown engine type, falling back to default")
		return NewGojaEngine(cfg)
	}
}
