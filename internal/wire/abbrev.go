package wire

// shortKeys is the abbreviation dictionary for the abbreviated-JSON format.
// It must stay total over every key the HUD builder emits and bijective;
// both properties are asserted by tests.
var shortKeys = map[string]string{
	"system":            "sys",
	"directives":        "dir",
	"your_agent_id":     "you",
	"memory":            "mem",
	"total":             "tot",
	"free":              "fr",
	"meta":              "mt",
	"current_time":      "now",
	"instructions":      "inst",
	"available_actions": "acts",
	"response_format":   "rf",
	"agents":            "ags",
	"agent_rooms":       "r",
	"warnings":          "warn",
	"id":                "id",
	"name":              "nm",
	"model":             "mdl",
	"seed":              "sd",
	"knowledge":         "k",
	"recent_actions":    "ra",
	"agent_id":          "aid",
	"members":           "mbr",
	"messages":          "msgs",
	"billboard":         "bb",
	"timestamp":         "ts",
	"sender_agent_id":   "said",
	"sender_name":       "sn",
	"content":           "c",
	"type":              "t",
	"reply_to":          "rt",
	"kind":              "kd",
	"params":            "pr",
	"outcome":           "out",
	"at":                "at",
	"inputs":            "in",
	"actions":           "a",
	"responses":         "resp",
	"room_id":           "rid",
	"os":                "os",
	"segments":          "seg",
}

var longKeys = func() map[string]string {
	m := make(map[string]string, len(shortKeys))
	for long, short := range shortKeys {
		m[short] = long
	}
	return m
}()

// opaqueKeys mark subtrees whose keys belong to the agent, not the HUD
// schema. Abbreviating them would corrupt user data on expansion.
var opaqueKeys = map[string]bool{
	"knowledge": true,
	"params":    true,
	"value":     true,
}

// Abbreviate rewrites schema keys to their short forms, recursively.
// Unknown keys pass through unchanged; opaque subtrees are not descended.
func Abbreviate(v any) any {
	return rewriteKeys(v, shortKeys)
}

// Expand is the inverse of Abbreviate.
func Expand(v any) any {
	return rewriteKeys(v, longKeys)
}

func rewriteKeys(v any, dict map[string]string) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			nk := k
			if repl, ok := dict[k]; ok {
				nk = repl
			}
			if opaqueKeys[k] || opaqueKeys[nk] {
				out[nk] = child
			} else {
				out[nk] = rewriteKeys(child, dict)
			}
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = rewriteKeys(child, dict)
		}
		return out
	default:
		return v
	}
}
