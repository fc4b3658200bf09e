// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package attr contains unexported functionality related to XML attributes
// and identifiers.
package attr // import "mellium.im/koine/internal/attr"

import (
	"encoding/xml"
)

// Get returns the value of the first attribute with the provided local name
// in the list of attributes, ignoring its namespace.
// If no such attribute exists, ok is false.
func Get(attrs []xml.Attr, local string) (value string, ok bool) {
	for _, a := range attrs {
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

// GetNS is like Get except that it also matches the namespace.
func GetNS(attrs []xml.Attr, space, local string) (value string, ok bool) {
	for _, a := range attrs {
		if a.Name.Local == local && a.Name.Space == space {
			return a.Value, true
		}
	}
	return "", false
}

// IsXMLNS reports whether the attribute is a namespace declaration.
func IsXMLNS(a xml.Attr) bool {
	return a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns")
}
