package book

import (
	"encoding/json"

	"github.com/disiqueira/gotree/v3"
	"github.com/maruel/sbtree/internal/table"
)

const (
	// RootID is the toc id of the top level items.
	RootID = "root"
	// RecycleID is the toc id of the recycle bin.
	RecycleID = "recycle"
)

// Record is the subset of a meta record used for display.
type Record struct {
	Title string `json:"title"`
	Type  string `json:"type"`
}

// RenderTree renders the hierarchy below rootID as text, labelling items with
// their meta title. An item reachable from itself is shown once more, marked
// and not expanded.
func RenderTree(meta *table.Meta, toc *table.Toc, rootID string) string {
	tree := gotree.New(rootID)
	addChildren(tree, meta, toc, rootID, map[string]bool{rootID: true})
	return tree.Print()
}

func addChildren(parent gotree.Tree, meta *table.Meta, toc *table.Toc, id string, ancestors map[string]bool) {
	children, _ := toc.Get(id)
	for _, child := range children {
		label := recordLabel(meta, child)
		if ancestors[child] {
			parent.Add(label + " (cycle)")
			continue
		}
		node := parent.Add(label)
		ancestors[child] = true
		addChildren(node, meta, toc, child, ancestors)
		delete(ancestors, child)
	}
}

func recordLabel(meta *table.Meta, id string) string {
	raw, ok := meta.Get(id)
	if !ok {
		return id + " (missing)"
	}
	var r Record
	if json.Unmarshal(raw, &r) != nil {
		return id
	}
	switch r.Type {
	case "separator":
		return "----"
	case "":
		if r.Title == "" {
			return id
		}
		return r.Title
	default:
		if r.Title == "" {
			return id + " [" + r.Type + "]"
		}
		return r.Title + " [" + r.Type + "]"
	}
}
