// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultVersion is the version of XMPP spoken by this module.
var DefaultVersion = Version{Major: 1, Minor: 0}

var errVersionFormat = errors.New("stream: version must have a single separator")

// Version is a version of XMPP.
type Version struct {
	Major uint8
	Minor uint8
}

// ParseVersion parses a string of the form "Major.Minor" into a Version struct
// or returns an error.
func ParseVersion(s string) (Version, error) {
	v := Version{}

	major, minor, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(minor, ".") {
		return v, errVersionFormat
	}

	maj, err := strconv.ParseUint(major, 10, 8)
	if err != nil {
		return v, err
	}
	min, err := strconv.ParseUint(minor, 10, 8)
	if err != nil {
		return v, err
	}
	v.Major = uint8(maj)
	v.Minor = uint8(min)
	return v, nil
}

// String prints the version in the form "Major.Minor".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Less compares the major and minor version numbers, returning true if v is
// less than b.
func (v Version) Less(b Version) bool {
	return v.Major < b.Major || (v.Major == b.Major && v.Minor < b.Minor)
}

// MarshalXMLAttr satisfies the MarshalerAttr interface and marshals the version
// as an XML attribute using its string representation.
func (v Version) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: v.String()}, nil
}

// UnmarshalXMLAttr satisfies the UnmarshalerAttr interface and unmarshals an
// XML attribute into a valid XMPP version (or returns an error).
func (v *Version) UnmarshalXMLAttr(attr xml.Attr) error {
	newVersion, err := ParseVersion(attr.Value)
	if err != nil {
		return err
	}
	*v = newVersion
	return nil
}
