package indexer

import (
	"strconv"
	"strings"
	"unicode"
)

const unresolvedClassName = "<???>"

// classInfo is the ingestion-time view of one class. name and the field
// names may be filled in later, when the string they point at arrives.
type classInfo struct {
	name    string
	named   bool
	defined bool
	superID uint64
	fields  []*fieldInfo
	count   uint32
}

type fieldInfo struct {
	name  string
	named bool
}

// nameWaiters collects everything waiting on one string id. Once the string
// arrives text is kept so that later waiters resolve immediately.
type nameWaiters struct {
	classes  []*classInfo
	fields   []*fieldInfo
	resolved bool
	text     string
}

// classTable owns the class metadata and the pending name bindings of one
// ingestion run.
type classTable struct {
	classes map[uint64]*classInfo
	waiters map[uint64]*nameWaiters

	// early counts strings kept before anything referenced them, dropped
	// the ones discarded because they cannot be a class or field name.
	early   int
	dropped int
}

func newClassTable() *classTable {
	return &classTable{
		classes: make(map[uint64]*classInfo),
		waiters: make(map[uint64]*nameWaiters),
	}
}

func (t *classTable) class(id uint64) *classInfo {
	c, ok := t.classes[id]
	if !ok {
		c = &classInfo{}
		t.classes[id] = c
	}
	return c
}

func (t *classTable) waitersFor(stringID uint64) *nameWaiters {
	w, ok := t.waiters[stringID]
	if !ok {
		w = &nameWaiters{}
		t.waiters[stringID] = w
	}
	return w
}

// define records a class dump. Only the first definition of a class counts.
func (t *classTable) define(classID, superID uint64, fieldNameIDs []uint64) bool {
	c := t.class(classID)
	if c.defined {
		return false
	}
	c.defined = true
	c.superID = superID
	c.fields = make([]*fieldInfo, len(fieldNameIDs))
	for i, nameID := range fieldNameIDs {
		f := &fieldInfo{}
		c.fields[i] = f
		w := t.waitersFor(nameID)
		if w.resolved {
			f.name, f.named = w.text, true
			continue
		}
		w.fields = append(w.fields, f)
	}
	return true
}

// bindName makes classID wait for the string nameID.
func (t *classTable) bindName(classID, nameID uint64) {
	c := t.class(classID)
	w := t.waitersFor(nameID)
	if w.resolved {
		c.name, c.named = normalizeClassName(w.text), true
		return
	}
	w.classes = append(w.classes, c)
}

// resolve hands text to every class and field waiting on stringID and
// reports how many were updated. A string nobody waits for yet is kept for
// later binders if it could be a class or field name, and dropped otherwise.
func (t *classTable) resolve(stringID uint64, text string) int {
	w, ok := t.waiters[stringID]
	if !ok {
		if !nameLike(text) {
			t.dropped++
			return 0
		}
		t.early++
		t.waiters[stringID] = &nameWaiters{resolved: true, text: text}
		return 0
	}
	className := normalizeClassName(text)
	for _, c := range w.classes {
		c.name, c.named = className, true
	}
	for _, f := range w.fields {
		f.name, f.named = text, true
	}
	n := len(w.classes) + len(w.fields)
	w.classes, w.fields = nil, nil
	w.resolved, w.text = true, text
	return n
}

// fieldNames returns the class's own field names, synthesising field{N}
// (1-based) for names that never resolved.
func (c *classInfo) fieldNames() []string {
	names := make([]string, len(c.fields))
	for i, f := range c.fields {
		if f.named {
			names[i] = f.name
		} else {
			names[i] = "field" + strconv.Itoa(i+1)
		}
	}
	return names
}

func (c *classInfo) displayName() string {
	if !c.named {
		return unresolvedClassName
	}
	return c.name
}

// normalizeClassName turns a dump class name such as "java/util/HashMap" or
// "[Ljava/lang/String;" into "java.util.HashMap" or "java.lang.String".
func normalizeClassName(name string) string {
	name = strings.ReplaceAll(name, "/", ".")
	if strings.HasPrefix(name, "[L") && strings.HasSuffix(name, ";") {
		name = name[2 : len(name)-1]
	}
	return name
}

// nameLike reports whether s can be a class name in internal or array
// descriptor form ("java/util/Map$Entry", "[Ljava/lang/String;") or a field
// name. Method signatures, source file paths with spaces and free text fail.
func nameLike(s string) bool {
	if s == "" || len(s) > 1024 {
		return false
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		if !strings.ContainsRune("_$/.[;<>+-", r) {
			return false
		}
	}
	return true
}
