package policy

// Builtin conditions are named predicates selected by a lookup table built at
// package init. A rule condition that matches a builtin name skips CEL
// entirely; everything else is compiled as a CEL expression. Builtins read
// the same activation maps CEL sees, so the two condition kinds cannot drift.

type builtinFn func(input map[string]any) bool

var builtins = map[string]builtinFn{
	"always": func(map[string]any) bool { return true },
	"never":  func(map[string]any) bool { return false },

	"risk_high":     riskLevelIs("high"),
	"risk_not_high": not(riskLevelIs("high")),
	"risk_low":      riskLevelIs("low"),

	"device_trusted":     deviceLevelIs("trusted"),
	"device_quarantined": deviceLevelIs("quarantined"),

	"geo_anomaly":     contextFlag("geo_anomaly"),
	"network_anomaly": contextFlag("network_anomaly"),

	"resource_high_sensitivity": func(input map[string]any) bool {
		return lookupString(input, "resource", "sensitivity") == "high"
	},
}

// BuiltinConditions lists the registered builtin condition names.
func BuiltinConditions() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	return out
}

func riskLevelIs(level string) builtinFn {
	return func(input map[string]any) bool {
		return lookupString(input, "risk", "level") == level
	}
}

func deviceLevelIs(level string) builtinFn {
	return func(input map[string]any) bool {
		return lookupString(input, "device", "trust_level") == level
	}
}

func contextFlag(key string) builtinFn {
	return func(input map[string]any) bool {
		m, _ := input["context"].(map[string]any)
		v, _ := m[key].(bool)
		return v
	}
}

func not(fn builtinFn) builtinFn {
	return func(input map[string]any) bool { return !fn(input) }
}

func lookupString(input map[string]any, section, key string) string {
	m, _ := input[section].(map[string]any)
	v, _ := m[key].(string)
	return v
}
