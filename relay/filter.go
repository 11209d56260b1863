package relay

import "encoding/json"

// Filter is a conjunctive predicate over event fields, per the
// GLOSSARY. All non-empty fields must match for an event to satisfy
// the filter; matching itself is the relay's job, the connector only
// carries filters across the wire.
type Filter struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Tags    map[string][]string `json:"-"`
	Since   *Timestamp          `json:"since,omitempty"`
	Until   *Timestamp          `json:"until,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
}

// MarshalJSON flattens Tags into the wire's "#<letter>" convention.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{}
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	for name, values := range f.Tags {
		m["#"+name] = values
	}
	return json.Marshal(m)
}

// UnmarshalJSON is the inverse of MarshalJSON, recovering "#x" keys
// back into Tags.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for k, raw := range m {
		switch k {
		case "ids":
			_ = json.Unmarshal(raw, &f.IDs)
		case "authors":
			_ = json.Unmarshal(raw, &f.Authors)
		case "kinds":
			_ = json.Unmarshal(raw, &f.Kinds)
		case "since":
			var ts Timestamp
			if err := json.Unmarshal(raw, &ts); err == nil {
				f.Since = &ts
			}
		case "until":
			var ts Timestamp
			if err := json.Unmarshal(raw, &ts); err == nil {
				f.Until = &ts
			}
		case "limit":
			_ = json.Unmarshal(raw, &f.Limit)
		default:
			if len(k) > 1 && k[0] == '#' {
				var values []string
				if err := json.Unmarshal(raw, &values); err == nil {
					if f.Tags == nil {
						f.Tags = map[string][]string{}
					}
					f.Tags[k[1:]] = values
				}
			}
		}
	}
	return nil
}

// NewFilter returns an empty filter ready for the fluent With* helpers.
func NewFilter() Filter { return Filter{} }

func (f Filter) WithIDs(ids ...string) Filter         { f.IDs = ids; return f }
func (f Filter) WithAuthors(pubkeys ...string) Filter { f.Authors = pubkeys; return f }
func (f Filter) WithKinds(kinds ...int) Filter        { f.Kinds = kinds; return f }
func (f Filter) WithLimit(n int) Filter               { f.Limit = n; return f }
