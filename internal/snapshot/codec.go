package snapshot

import (
	"encoding/json"
	"fmt"
)

// FormatVersion is the newest serialization format this package writes
// and reads. Documents without a format field are read as format 1.
const FormatVersion = 1

type document struct {
	Format   int        `json:"format"`
	Version  int        `json:"version"`
	Entities []envelope `json:"entities"`
}

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Marshal encodes the snapshot in its canonical JSON form. Structurally
// equal snapshots produce identical bytes.
func Marshal(s *Snapshot) ([]byte, error) {
	doc := document{
		Format:   FormatVersion,
		Version:  s.version,
		Entities: make([]envelope, 0, len(s.entities)),
	}
	for _, e := range s.entities {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s %q: %w", e.Kind(), e.EntityName(), err)
		}
		doc.Entities = append(doc.Entities, envelope{Kind: e.Kind(), Data: data})
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot v%d: %w", s.version, err)
	}
	return out, nil
}

// Unmarshal decodes a snapshot. Unknown fields are ignored and absent
// optional fields take their documented defaults. Any decoding or
// validation failure is reported as core.ErrCorruptSnapshot.
func Unmarshal(data []byte) (*Snapshot, error) {
	doc := document{Format: 1}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, corrupt(err)
	}
	if doc.Format > FormatVersion {
		return nil, corrupt(fmt.Errorf("format %d is newer than supported format %d", doc.Format, FormatVersion))
	}

	entities := make([]Entity, 0, len(doc.Entities))
	for i, env := range doc.Entities {
		e, err := decodeEntity(env)
		if err != nil {
			return nil, corrupt(fmt.Errorf("entity %d: %w", i, err))
		}
		entities = append(entities, e)
	}

	s, err := New(doc.Version, entities...)
	if err != nil {
		return nil, corrupt(err)
	}
	return s, nil
}

func decodeEntity(env envelope) (Entity, error) {
	switch env.Kind {
	case KindTable:
		var t Table
		err := json.Unmarshal(env.Data, &t)
		return t, err
	case KindIndex:
		var i Index
		err := json.Unmarshal(env.Data, &i)
		return i, err
	case KindTrigger:
		var t Trigger
		err := json.Unmarshal(env.Data, &t)
		return t, err
	case KindView:
		var v View
		err := json.Unmarshal(env.Data, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unknown entity kind %q", env.Kind)
	}
}
