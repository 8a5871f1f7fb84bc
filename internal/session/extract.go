package session

import (
	"strings"

	"github.com/tidwall/gjson"
)

// extractor pulls best-effort structured metadata out of free-form tool
// output. Extractors never fail: anything unparseable yields no metadata.
type extractor func(output string) map[string]any

var extractors = map[string]extractor{
	"grep":  extractMatches,
	"glob":  extractMatches,
	"bash":  extractBash,
	"edit":  extractDiffStats,
	"write": extractDiffStats,
}

// ExtractMetadata returns tool-specific metadata for a completed call, nil
// when no extractor applies or nothing could be read.
func ExtractMetadata(tool, output string) map[string]any {
	fn, ok := extractors[strings.ToLower(tool)]
	if !ok {
		return nil
	}
	return fn(output)
}

// extractMatches reads a match count, from JSON when the output is
// structured, otherwise by counting non-empty lines.
func extractMatches(output string) map[string]any {
	if gjson.Valid(output) {
		if count := gjson.Get(output, "count"); count.Exists() {
			return map[string]any{"matches": int(count.Int())}
		}
		if matches := gjson.Get(output, "matches"); matches.IsArray() {
			return map[string]any{"matches": len(matches.Array())}
		}
	}
	n := 0
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return map[string]any{"matches": n}
}

func extractBash(output string) map[string]any {
	if !gjson.Valid(output) {
		return nil
	}
	meta := map[string]any{}
	if code := gjson.Get(output, "exitCode"); code.Exists() {
		meta["exitCode"] = int(code.Int())
	}
	if desc := gjson.Get(output, "description"); desc.Exists() {
		meta["description"] = desc.String()
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func extractDiffStats(output string) map[string]any {
	if !gjson.Valid(output) {
		return nil
	}
	meta := map[string]any{}
	for _, key := range []string{"additions", "deletions"} {
		if v := gjson.Get(output, key); v.Exists() {
			meta[key] = int(v.Int())
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
