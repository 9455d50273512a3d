package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
)

const (
	orderPath      = "order"
	contentPath    = "content"
	visibilityPath = "visibility"
	metadataPath   = "_metadata"
)

// Draft is the typed view of one commit. Every method validates its input
// before writing. Section lists are automerge lists, so concurrent appends
// from different replicas all survive a merge.
type Draft struct {
	doc   *automerge.Doc
	dirty bool
}

// SetField writes one top-level field of a section.
func (d *Draft) SetField(section SectionID, field string, value any) error {
	if field == "" {
		return errors.New("field name must not be empty")
	}
	return d.MergeSection(section, map[string]any{field: value})
}

// MergeSection writes the given fields of a section and keeps the rest.
// Nested objects merge key by key and lists merge element by element:
// elements past the current end are appended, elements that are objects on
// both sides merge recursively, and the list is trimmed to the new length.
// Values equal to what is stored are not rewritten, so a stale copy of an
// entry does not clobber a concurrent edit to one of its fields.
func (d *Draft) MergeSection(section SectionID, partial map[string]any) error {
	if _, err := ParseSection(string(section)); err != nil {
		return err
	}
	if len(partial) == 0 {
		return nil
	}
	plain, err := plainObject(partial)
	if err != nil {
		return fmt.Errorf("failed to encode section %s: %w", section, err)
	}

	d.dirty = true
	m, err := d.sectionMap(section)
	if err != nil {
		return err
	}
	return mergeMap(m, plain)
}

// ReplaceSection overwrites a whole section.
func (d *Draft) ReplaceSection(section SectionID, data map[string]any) error {
	if _, err := ParseSection(string(section)); err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode section %s: %w", section, err)
	}
	return d.replaceRaw(section, raw)
}

func (d *Draft) replaceRaw(section SectionID, raw json.RawMessage) error {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return fmt.Errorf("section %s must be an object", section)
	}
	d.dirty = true
	return d.doc.Path(contentPath, string(section)).Set(obj)
}

func (d *Draft) sectionMap(section SectionID) (*automerge.Map, error) {
	p := d.doc.Path(contentPath, string(section))
	v, err := p.Get()
	if err != nil {
		return nil, err
	}
	if v.Kind() != automerge.KindMap {
		if err := p.Set(map[string]any{}); err != nil {
			return nil, err
		}
		if v, err = p.Get(); err != nil {
			return nil, err
		}
	}
	return v.Map(), nil
}

// plainObject turns arbitrary caller values into the JSON shapes mergeValue
// understands.
func plainObject(v map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mergeMap(m *automerge.Map, partial map[string]any) error {
	for key, v := range partial {
		cur, err := m.Get(key)
		if err != nil {
			return err
		}
		if err := mergeValue(cur, v, func(x any) error { return m.Set(key, x) }); err != nil {
			return fmt.Errorf("failed to write %q: %w", key, err)
		}
	}
	return nil
}

func mergeList(l *automerge.List, items []any) error {
	n := l.Len()
	for i, v := range items {
		if i >= n {
			if err := l.Append(v); err != nil {
				return err
			}
			continue
		}
		cur, err := l.Get(i)
		if err != nil {
			return err
		}
		if err := mergeValue(cur, v, func(x any) error { return l.Set(i, x) }); err != nil {
			return err
		}
	}
	for i := n - 1; i >= len(items); i-- {
		if err := l.Delete(i); err != nil {
			return err
		}
	}
	return nil
}

func mergeValue(cur *automerge.Value, v any, set func(any) error) error {
	switch nv := v.(type) {
	case map[string]any:
		if cur.Kind() == automerge.KindMap {
			return mergeMap(cur.Map(), nv)
		}
	case []any:
		if cur.Kind() == automerge.KindList {
			return mergeList(cur.List(), nv)
		}
	default:
		if sameScalar(cur, v) {
			return nil
		}
	}
	return set(v)
}

func sameScalar(cur *automerge.Value, v any) bool {
	switch x := v.(type) {
	case nil:
		return cur.IsNull()
	case string:
		return cur.Kind() == automerge.KindStr && cur.Str() == x
	case bool:
		return cur.Kind() == automerge.KindBool && cur.Bool() == x
	case float64:
		return cur.Kind() == automerge.KindFloat64 && cur.Float64() == x
	}
	return false
}

// SetOrder stores a normalized section order. The order is replaced as one
// object, so concurrent reorders resolve to one of them and never to a mix.
func (d *Draft) SetOrder(order []string) error {
	normalized, err := NormalizeOrder(order)
	if err != nil {
		return err
	}
	d.dirty = true
	return d.doc.Path(orderPath).Set(normalized)
}

// SetHidden flags a section hidden or visible.
func (d *Draft) SetHidden(section SectionID, hidden bool) error {
	if _, err := ParseSection(string(section)); err != nil {
		return err
	}
	if section == Basics {
		return ErrBasicsHidden
	}
	d.dirty = true
	return d.doc.Path(visibilityPath, string(section)).Set(hidden)
}

// ToggleHidden flips the hidden flag and returns the new value.
func (d *Draft) ToggleHidden(section SectionID) (bool, error) {
	hidden, err := d.Hidden(section)
	if err != nil {
		return false, err
	}
	if err := d.SetHidden(section, !hidden); err != nil {
		return false, err
	}
	return !hidden, nil
}

// Hidden reads a visibility flag as the commit would leave it.
func (d *Draft) Hidden(section SectionID) (bool, error) {
	v, err := d.doc.Path(visibilityPath, string(section)).Get()
	if err != nil {
		return false, err
	}
	return v.Kind() == automerge.KindBool && v.Bool(), nil
}

func (d *Draft) applySeed(seed *Seed) error {
	defaults := DefaultContent()
	for _, s := range Sections {
		raw, ok := seed.Content[string(s)]
		if !ok {
			raw = defaults[string(s)]
		}
		if err := d.replaceRaw(s, raw); err != nil {
			return err
		}
	}
	order := seed.Order
	if _, err := NormalizeOrder(order); err != nil {
		order = DefaultOrder()
	}
	if err := d.SetOrder(order); err != nil {
		return err
	}
	for _, s := range Sections[1:] {
		if err := d.SetHidden(s, seed.Visibility[string(s)]); err != nil {
			return err
		}
	}
	return nil
}

func writeMetadata(doc *automerge.Doc, m Metadata) error {
	return doc.Path(metadataPath).Set(map[string]any{
		"documentId": m.DocumentID,
		"ownerId":    m.OwnerID,
		"createdAt":  m.CreatedAt.UTC(),
		"updatedAt":  m.UpdatedAt.UTC(),
		"version":    int64(m.Version),
	})
}

// bumpMetadata runs inside every local commit that wrote something.
func bumpMetadata(doc *automerge.Doc, now time.Time) error {
	v, err := doc.Path(metadataPath, "version").Get()
	if err != nil {
		return err
	}
	var version int64
	switch v.Kind() {
	case automerge.KindInt64:
		version = v.Int64()
	case automerge.KindFloat64:
		version = int64(v.Float64())
	}
	if err := doc.Path(metadataPath, "version").Set(version + 1); err != nil {
		return err
	}
	return doc.Path(metadataPath, "updatedAt").Set(now.UTC())
}
