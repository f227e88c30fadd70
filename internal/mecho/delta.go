package mecho

import (
	"fmt"
	"sort"
	"strings"
)

// Injection modes returned by the delta compiler.
const (
	InjectFull  = "full"
	InjectDelta = "delta"
	InjectNone  = "none"
)

// CompileInjection decides what memory payload a turn gets for the revision
// range (from, to]. A non-positive from renders a full snapshot; otherwise
// the event log is folded into a delta. Payloads with no meaningful content
// downgrade to none with empty xml.
func CompileInjection(store *Store, from, to int64) (mode, xml string, err error) {
	if to <= from {
		return InjectNone, "", nil
	}
	if from <= 0 {
		return compileFull(store, from, to)
	}
	return compileDelta(store, from, to)
}

func compileFull(store *Store, from, to int64) (string, string, error) {
	core, err := store.GetCore()
	if err != nil {
		return "", "", err
	}
	curated, err := store.ListCurated()
	if err != nil {
		return "", "", err
	}
	if core == nil && len(curated) == 0 {
		return InjectNone, "", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<memory_context mode_id=%q from_revision=\"%d\" to_revision=\"%d\">\n",
		store.modeID, from, to)
	if core != nil {
		writeCoreXML(&b, core)
	}
	for _, c := range curated {
		writeCuratedXML(&b, "curated_memory", &c)
	}
	b.WriteString("</memory_context>")
	return InjectFull, b.String(), nil
}

func compileDelta(store *Store, from, to int64) (string, string, error) {
	events, err := store.ListMemoryEventsInRange(from, to)
	if err != nil {
		return "", "", err
	}

	// Fold the range: last writer wins per memory id, core collapses to one
	// flag. An upsert after a delete revives the id; a delete after an
	// upsert removes it.
	coreUpdated := false
	touched := make(map[string]bool)
	deleted := make(map[string]bool)
	for _, ev := range events {
		switch ev.EventType {
		case EventCoreUpsert:
			coreUpdated = true
		case EventCuratedUpsert:
			touched[ev.MemoryID] = true
			delete(deleted, ev.MemoryID)
		case EventCuratedDelete:
			touched[ev.MemoryID] = true
			deleted[ev.MemoryID] = true
		}
	}

	// Resolve surviving ids against current state; rows gone or
	// soft-deleted since the fold are promoted to removed.
	var upserts []CuratedMemory
	for id := range touched {
		if deleted[id] {
			continue
		}
		row, err := store.GetCurated(id)
		if err != nil {
			return "", "", err
		}
		if row == nil || row.IsDeleted {
			deleted[id] = true
			continue
		}
		upserts = append(upserts, *row)
	}
	sort.Slice(upserts, func(i, j int) bool { return upserts[i].MemoryID < upserts[j].MemoryID })

	var removedIDs []string
	for id := range deleted {
		removedIDs = append(removedIDs, id)
	}
	sort.Strings(removedIDs)

	var core *CoreMemory
	if coreUpdated {
		core, err = store.GetCore()
		if err != nil {
			return "", "", err
		}
	}

	if core == nil && len(upserts) == 0 && len(removedIDs) == 0 {
		return InjectNone, "", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<memory_delta mode_id=%q from_revision=\"%d\" to_revision=\"%d\">\n",
		store.modeID, from, to)
	if core != nil {
		writeCoreXML(&b, core)
	}
	for _, c := range upserts {
		writeCuratedXML(&b, "curated_upsert", &c)
	}
	if len(removedIDs) > 0 {
		fmt.Fprintf(&b, "  <removed ids=%q/>\n", strings.Join(removedIDs, ","))
	}
	b.WriteString("</memory_delta>")
	return InjectDelta, b.String(), nil
}

func writeCoreXML(b *strings.Builder, core *CoreMemory) {
	fmt.Fprintf(b, "  <core_memory name=%q>\n", xmlEscape(core.Name))
	fmt.Fprintf(b, "    <description>%s</description>\n", xmlEscape(core.Description))
	fmt.Fprintf(b, "    <detail>%s</detail>\n", xmlEscape(core.Detail))
	b.WriteString("  </core_memory>\n")
}

func writeCuratedXML(b *strings.Builder, tag string, c *CuratedMemory) {
	fmt.Fprintf(b, "  <%s id=%q name=%q>\n", tag, xmlEscape(c.MemoryID), xmlEscape(c.Name))
	fmt.Fprintf(b, "    <description>%s</description>\n", xmlEscape(c.Description))
	fmt.Fprintf(b, "    <detail>%s</detail>\n", xmlEscape(c.Detail))
	fmt.Fprintf(b, "  </%s>\n", tag)
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func xmlEscape(s string) string {
	return xmlEscaper.Replace(s)
}
