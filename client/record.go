package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Record is one model as the server sends it: a flat JSON object. Numbers decode as
// json.Number, so ids compare by their text and large ids keep their precision.
type Record map[string]any

// DecodeRecord parses a JSON object into a Record.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("record is not an object")
	}
	return r, nil
}

// decodeCollection parses a read reply of the form {"collection": [...]}.
func decodeCollection(data []byte) ([]Record, error) {
	var reply struct {
		Collection []Record `json:"collection"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&reply); err != nil {
		return nil, err
	}
	return reply.Collection, nil
}

// ID returns the value of attr as text and whether it is set.
func (r Record) ID(attr string) (string, bool) {
	v, ok := r[attr]
	if !ok || v == nil {
		return "", false
	}
	switch id := v.(type) {
	case string:
		return id, id != ""
	case json.Number:
		return id.String(), true
	}
	return fmt.Sprint(v), true
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// merge copies every field of src into r and reports whether anything changed.
func (r Record) merge(src Record) bool {
	changed := false
	for k, v := range src {
		if old, ok := r[k]; !ok || !reflect.DeepEqual(old, v) {
			r[k] = v
			changed = true
		}
	}
	return changed
}
