// Package model - Reflection-basierte Tensor-Population
//
// Dieses Modul enthaelt die Reflection-Logik zum automatischen Befuellen
// von Model-Strukturen mit Tensoren aus einer Weights-Quelle.
//
// Hauptkomponenten:
// - Populate: Befuellt Strukturfelder rekursiv mit Tensoren
// - setPointer: Setzt Pointer-Felder in Strukturen
// - Tag: sfast-Tag-Struktur fuer Tensor-Namen
// - parseTag: Parst sfast-Tags aus Struct-Tags
package model

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/ollama/sfast/logutil"
	"github.com/ollama/sfast/ml"
)

var tensorType = reflect.TypeOf((*ml.Tensor)(nil))

// Tag repraesentiert einen geparseten sfast-Tag
type Tag struct {
	name,
	// prefix und suffix werden auf Kind-Tags angewendet
	prefix,
	suffix string
	alternatives []string
	optional     bool
}

// parseTag parst einen Tag-String wie "attn_q,alt:q_proj,opt"
func parseTag(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	tag.name = parts[0]

	for _, part := range parts[1:] {
		if value, ok := strings.CutPrefix(part, "alt:"); ok {
			if tag.name == "" {
				tag.name = value
			} else {
				tag.alternatives = append(tag.alternatives, value)
			}
		}
		if value, ok := strings.CutPrefix(part, "pre:"); ok {
			tag.prefix = value
		}
		if value, ok := strings.CutPrefix(part, "suf:"); ok {
			tag.suffix = value
		}
		if part == "opt" {
			tag.optional = true
		}
	}

	return
}

type populator struct {
	w       Weights
	missing []string
}

// Populate befuellt alle *ml.Tensor-Felder von dst anhand ihrer sfast-Tags.
// dst muss ein Pointer auf eine Struktur sein. Fehlt ein nicht optionaler
// Tensor, wird ErrMissingTensor mit allen fehlenden Namen zurueckgegeben.
func Populate(dst any, w Weights) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("populate: %T is not a pointer to a struct", dst)
	}

	p := populator{w: w}
	v.Elem().Set(p.fields(v.Elem()))
	if len(p.missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingTensor, strings.Join(p.missing, ", "))
	}
	return nil
}

// fields befuellt Strukturfelder rekursiv
func (p *populator) fields(v reflect.Value, tags ...Tag) reflect.Value {
	t := v.Type()
	if t.Kind() != reflect.Struct {
		return v
	}

	for i := range t.NumField() {
		tt := t.Field(i).Type
		vv := v.Field(i)
		if !vv.CanSet() {
			continue
		}

		tag := t.Field(i).Tag.Get("sfast")
		if tag == "" || tag == "-" {
			continue
		}
		// Kopie erstellen
		tagsCopy := append(tags[:len(tags):len(tags)], parseTag(tag))

		switch {
		case tt == tensorType:
			p.tensor(vv, tagsCopy)
		case tt.Kind() == reflect.Pointer:
			p.setPointer(vv, tagsCopy)
		case tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array:
			for i := range vv.Len() {
				vvv := vv.Index(i)
				indexed := append(tagsCopy[:len(tagsCopy):len(tagsCopy)], Tag{name: strconv.Itoa(i)})
				if vvv.Kind() == reflect.Pointer {
					p.setPointer(vvv, indexed)
				} else {
					vvv.Set(p.fields(vvv, indexed...))
				}
			}
		case tt.Kind() == reflect.Struct:
			vv.Set(p.fields(vv, tagsCopy...))
		}
	}

	return v
}

func (p *populator) tensor(v reflect.Value, tags []Tag) {
	names := buildTensorNames(tags, "", "")
	for _, name := range names {
		if t := p.w.Get(strings.Join(name, ".")); t != nil {
			logutil.Trace("found tensor", "name", strings.Join(name, "."), "tensor", t)
			v.Set(reflect.ValueOf(t))
			return
		}
	}

	if !tags[len(tags)-1].optional && len(names) > 0 {
		p.missing = append(p.missing, strings.Join(names[0], "."))
	}
}

// buildTensorNames baut die vollstaendigen Tensor-Namen aus Tags
func buildTensorNames(tags []Tag, prefix, suffix string) (fullNames [][]string) {
	if len(tags) == 0 {
		return nil
	}

	var names []string
	if tags[0].name != "" {
		for _, n := range append([]string{tags[0].name}, tags[0].alternatives...) {
			names = append(names, prefix+n+suffix)
		}
	}

	childNames := buildTensorNames(tags[1:], tags[0].prefix, tags[0].suffix)
	switch {
	case len(names) == 0:
		// Aktueller Tag hat keinen Namen, nur Kind-Namen verwenden
		fullNames = append(fullNames, childNames...)
	case len(childNames) == 0:
		for _, name := range names {
			fullNames = append(fullNames, []string{name})
		}
	default:
		// Jeden Namen mit jedem Kind zusammenfuehren
		for _, name := range names {
			for _, childName := range childNames {
				fullNames = append(fullNames, append([]string{name}, childName...))
			}
		}
	}

	return fullNames
}

// setPointer setzt Pointer-Felder in Strukturen
func (p *populator) setPointer(v reflect.Value, tags []Tag) {
	if v.Type().Elem().Kind() != reflect.Struct {
		return
	}

	vv := reflect.Indirect(v)
	if v.IsNil() {
		vv = reflect.New(v.Type().Elem()).Elem()
	}

	if f := p.fields(vv, tags...); f.CanAddr() {
		v.Set(f.Addr())
	}
}
