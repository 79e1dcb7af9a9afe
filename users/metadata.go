////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package users

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Metadata is a user profile as published in a kind 0 event.
type Metadata struct {
	Name        string
	DisplayName string
	About       string
	Picture     string
	Banner      string
	Website     string
	Nip05       string
	Lud06       string
	Lud16       string

	// Custom holds every other field. String values are stored as they are;
	// other JSON values are stored in their JSON encoding.
	Custom map[string]string
}

var knownFields = map[string]struct{}{
	"name": {}, "display_name": {}, "about": {}, "picture": {}, "banner": {},
	"website": {}, "nip05": {}, "lud06": {}, "lud16": {},
}

// MarshalJSON renders the metadata as kind 0 content. Custom values that
// parse as JSON are embedded as JSON, others as strings.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.Custom)+9)
	for key, value := range m.Custom {
		if _, known := knownFields[key]; known {
			continue
		}
		var parsed json.RawMessage
		if json.Unmarshal([]byte(value), &parsed) == nil {
			out[key] = parsed
		} else {
			out[key] = value
		}
	}
	set := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	set("name", m.Name)
	set("display_name", m.DisplayName)
	set("about", m.About)
	set("picture", m.Picture)
	set("banner", m.Banner)
	set("website", m.Website)
	set("nip05", m.Nip05)
	set("lud06", m.Lud06)
	set("lud16", m.Lud16)
	return json.Marshal(out)
}

// UnmarshalJSON parses kind 0 content. Known fields with a non-string value
// are ignored.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "metadata is not a JSON object")
	}

	*m = Metadata{}
	get := func(key string) string {
		var s string
		if v, exists := raw[key]; exists {
			_ = json.Unmarshal(v, &s)
		}
		return s
	}
	m.Name = get("name")
	m.DisplayName = get("display_name")
	m.About = get("about")
	m.Picture = get("picture")
	m.Banner = get("banner")
	m.Website = get("website")
	m.Nip05 = get("nip05")
	m.Lud06 = get("lud06")
	m.Lud16 = get("lud16")

	for key, value := range raw {
		if _, known := knownFields[key]; known {
			continue
		}
		if m.Custom == nil {
			m.Custom = make(map[string]string)
		}
		var s string
		if json.Unmarshal(value, &s) == nil {
			m.Custom[key] = s
		} else {
			m.Custom[key] = string(value)
		}
	}
	return nil
}

// IsEmpty reports whether no field is set.
func (m Metadata) IsEmpty() bool {
	return m.Name == "" && m.DisplayName == "" && m.About == "" &&
		m.Picture == "" && m.Banner == "" && m.Website == "" &&
		m.Nip05 == "" && m.Lud06 == "" && m.Lud16 == "" && len(m.Custom) == 0
}
