// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/xml"
	"strconv"
	"time"

	"mellium.im/koine"
	"mellium.im/koine/internal/ns"
)

// initialRID picks a random starting rid that leaves room for more requests
// than any session will make before reaching 2^53, the largest rid a client
// may use.
func initialRID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("bosh: could not read random rid: " + err.Error())
	}
	return binary.BigEndian.Uint64(b[:])&(1<<48-1) + 1
}

type bodyAttr struct {
	name  string
	value string
}

// writeBody writes a <body/> wrapper containing els to b.
// The wrapper is printed by hand so that the xbosh prefix is declared the way
// connection managers expect it.
func writeBody(b *bytes.Buffer, attrs []bodyAttr, els []koine.Element) error {
	b.WriteString(`<body`)
	xbosh := false
	for _, a := range attrs {
		if a.value == "" {
			continue
		}
		if len(a.name) > 5 && a.name[:5] == "xmpp:" {
			xbosh = true
		}
		b.WriteString(` ` + a.name + `='`)
		if err := xml.EscapeText(b, []byte(a.value)); err != nil {
			return err
		}
		b.WriteByte('\'')
	}
	b.WriteString(` xmlns='` + ns.HTTPBind + `'`)
	if xbosh {
		b.WriteString(` xmlns:xmpp='` + ns.XBOSH + `'`)
	}
	if len(els) == 0 {
		b.WriteString(`/>`)
		return nil
	}
	b.WriteString(`>`)
	e := xml.NewEncoder(b)
	for _, el := range els {
		if _, err := el.WriteXML(e); err != nil {
			return err
		}
	}
	if err := e.Flush(); err != nil {
		return err
	}
	b.WriteString(`</body>`)
	return nil
}

func formatRID(rid uint64) string {
	return strconv.FormatUint(rid, 10)
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}

// parseSeconds reads an attribute holding a number of seconds.
func parseSeconds(body koine.Element, local string) time.Duration {
	n, err := strconv.ParseUint(body.Attr(local), 10, 32)
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Second
}

func parseInt(body koine.Element, local string) int {
	n, err := strconv.ParseUint(body.Attr(local), 10, 16)
	if err != nil {
		return 0
	}
	return int(n)
}

// parseParams reads the session parameters from a session creation response.
func parseParams(body koine.Element) Params {
	_, ack := ackOf(body)
	return Params{
		Wait:       parseSeconds(body, "wait"),
		Hold:       parseInt(body, "hold"),
		Requests:   parseInt(body, "requests"),
		Inactivity: parseSeconds(body, "inactivity"),
		Polling:    parseSeconds(body, "polling"),
		MaxPause:   parseSeconds(body, "maxpause"),
		Ack:        ack,
	}
}

// ackOf returns the value of the ack attribute of a response.
func ackOf(body koine.Element) (uint64, bool) {
	v := body.Attr("ack")
	if v == "" {
		return 0, false
	}
	a, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return a, true
}

// terminateError returns the error carried by a terminate body.
// A terminate body without a condition ends the session normally and nil is
// returned.
func terminateError(body koine.Element, uri string) error {
	cond := body.Attr("condition")
	switch cond {
	case "":
		return nil
	case RemoteStreamError:
		for _, child := range body.Children() {
			if err := child.Err(); err != nil {
				return err
			}
		}
	case SeeOtherURI:
		if u, ok := body.Child(xml.Name{Space: ns.HTTPBind, Local: "uri"}); ok {
			uri = u.Text()
		}
	}
	return &Error{Condition: cond, URI: uri}
}
