// Copyright (c) 2020 The Reactor Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package dns implements the small subset of the RFC1035 wire format the event-loop resolver needs:
// building a single-question query and decoding the answer section of a response.
package dns

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/dns/dnsmessage"

	errorx "github.com/webreactor/reactor/pkg/errors"
)

// Type is a DNS resource record type.
type Type = dnsmessage.Type

// Record types the decoder understands, everything else is dropped from a Response.
const (
	TypeA     = dnsmessage.TypeA
	TypeNS    = dnsmessage.TypeNS
	TypeCNAME = dnsmessage.TypeCNAME
	TypePTR   = dnsmessage.TypePTR
	TypeMX    = dnsmessage.TypeMX
	TypeTXT   = dnsmessage.TypeTXT
	TypeAAAA  = dnsmessage.TypeAAAA
)

var typeNames = map[Type]string{
	TypeA:     "A",
	TypeNS:    "NS",
	TypeCNAME: "CNAME",
	TypePTR:   "PTR",
	TypeMX:    "MX",
	TypeTXT:   "TXT",
	TypeAAAA:  "AAAA",
}

// ParseType maps a mnemonic such as "AAAA" to its Type.
func ParseType(s string) (Type, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, errors.Wrapf(errorx.ErrDNSMalformed, "unsupported record type %q", s)
}

// TypeName returns the mnemonic of t, or TYPEnnn for types without one.
func TypeName(t Type) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "TYPE" + strconv.Itoa(int(t))
}

// Record is one decoded answer.
type Record struct {
	Name  string
	Type  Type
	Class uint16
	TTL   uint32
	// Data is the textual form of RDATA: dotted-decimal for A, colon-hex for AAAA,
	// the concatenated strings for TXT and a domain name for CNAME, MX, NS and PTR.
	Data string
}

func (r Record) String() string {
	return fmt.Sprintf("%s\t%d\t%s\t%s", r.Name, r.TTL, TypeName(r.Type), r.Data)
}

// Response is the decoded form of a DNS reply.
//
// rfc: https://www.ietf.org/rfc/rfc1035.txt 4.1.1. Header section format
//
//	                                1  1  1  1  1  1
//	  0  1  2  3  4  5  6  7  8  9  0  1  2  3  4  5
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	|                      ID                       |
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	|QR|   Opcode  |AA|TC|RD|RA|   Z    |   RCODE   |
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	|                    QDCOUNT                    |
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	|                    ANCOUNT                    |
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	|                    NSCOUNT                    |
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	|                    ARCOUNT                    |
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
type Response struct {
	ID        uint16
	Reply     bool
	Truncated bool
	RCode     int
	Records   []Record
}

// BuildQuery encodes a recursive query carrying one IN-class question.
func BuildQuery(id uint16, name string, qtype Type) ([]byte, error) {
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	qname, err := dnsmessage.NewName(name)
	if err != nil {
		return nil, errors.Wrapf(errorx.ErrDNSNameTooLong, "name %q", name)
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{ID: id, RecursionDesired: true})
	b.EnableCompression()
	if err = b.StartQuestions(); err != nil {
		return nil, errors.Wrap(err, "start questions")
	}
	if err = b.Question(dnsmessage.Question{Name: qname, Type: qtype, Class: dnsmessage.ClassINET}); err != nil {
		return nil, errors.Wrapf(err, "question %q", name)
	}
	return b.Finish()
}

// ID returns the transaction id of msg without decoding the rest of it.
func ID(msg []byte) (uint16, bool) {
	if len(msg) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(msg), true
}

// Parse decodes the header and the answer section of msg, skipping the questions.
// Answers of unsupported types are dropped. Compressed names, those inside RDATA
// included, are expanded by the parser.
func Parse(msg []byte) (*Response, error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(msg)
	if err != nil {
		return nil, malformed(err, "header")
	}
	resp := &Response{
		ID:        hdr.ID,
		Reply:     hdr.Response,
		Truncated: hdr.Truncated,
		RCode:     int(hdr.RCode),
	}
	if err = p.SkipAllQuestions(); err != nil {
		return nil, malformed(err, "questions")
	}

	for i := 0; ; i++ {
		rh, err := p.AnswerHeader()
		if err == dnsmessage.ErrSectionDone {
			return resp, nil
		}
		if err != nil {
			return nil, malformed(err, "answer %d", i)
		}
		data, ok, err := decodeRData(&p, rh.Type)
		if err != nil {
			return nil, malformed(err, "answer %d (%s)", i, TypeName(rh.Type))
		}
		if !ok {
			continue
		}
		resp.Records = append(resp.Records, Record{
			Name:  nameString(rh.Name),
			Type:  rh.Type,
			Class: uint16(rh.Class),
			TTL:   rh.TTL,
			Data:  data,
		})
	}
}

func malformed(err error, format string, args ...any) error {
	return errors.Wrapf(errorx.ErrDNSMalformed, format+": %v", append(args, err)...)
}

// nameString drops the trailing root dot dnsmessage keeps on every name.
func nameString(n dnsmessage.Name) string {
	return strings.TrimSuffix(n.String(), ".")
}

// decodeRData renders the RDATA the parser is positioned on according to typ,
// ok is false for unsupported types, whose RDATA is skipped.
func decodeRData(p *dnsmessage.Parser, typ Type) (data string, ok bool, err error) {
	switch typ {
	case TypeA:
		r, err := p.AResource()
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("%d.%d.%d.%d", r.A[0], r.A[1], r.A[2], r.A[3]), true, nil
	case TypeAAAA:
		r, err := p.AAAAResource()
		if err != nil {
			return "", false, err
		}
		groups := make([]string, 8)
		for i := range groups {
			groups[i] = strconv.FormatUint(uint64(r.AAAA[2*i])<<8|uint64(r.AAAA[2*i+1]), 16)
		}
		return strings.Join(groups, ":"), true, nil
	case TypeTXT:
		r, err := p.TXTResource()
		if err != nil {
			return "", false, err
		}
		return strings.Join(r.TXT, ""), true, nil
	case TypeCNAME:
		r, err := p.CNAMEResource()
		if err != nil {
			return "", false, err
		}
		return nameString(r.CNAME), true, nil
	case TypeNS:
		r, err := p.NSResource()
		if err != nil {
			return "", false, err
		}
		return nameString(r.NS), true, nil
	case TypePTR:
		r, err := p.PTRResource()
		if err != nil {
			return "", false, err
		}
		return nameString(r.PTR), true, nil
	case TypeMX:
		// The preference is not part of the rendered data.
		r, err := p.MXResource()
		if err != nil {
			return "", false, err
		}
		return nameString(r.MX), true, nil
	}
	return "", false, p.SkipAnswer()
}
