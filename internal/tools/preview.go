package tools

import (
	"encoding/json"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxPreviewBytes caps how much argument JSON a permission prompt shows.
const maxPreviewBytes = 8 * 1024

// PreviewFor renders what the tool is about to do. Tools with their own
// Preview (writes show a diff) win; everything else falls back to the
// argument JSON, truncated.
func PreviewFor(d *Definition, args map[string]any) string {
	if d.Preview != nil {
		if p := d.Preview(args); p != "" {
			return p
		}
	}
	return argsPreview(args)
}

func argsPreview(args map[string]any) string {
	raw, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return "(arguments unavailable)"
	}
	if len(raw) > maxPreviewBytes {
		return string(raw[:maxPreviewBytes]) + "\n... (truncated)"
	}
	return string(raw)
}

// diffPreview renders the change from old to new as a patch.
func diffPreview(path, old, new string) string {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(old, new)
	if len(patches) == 0 {
		return "write " + path + " (no content change)"
	}
	return "write " + path + "\n" + dmp.PatchToText(patches)
}
