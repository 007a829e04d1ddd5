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
package dns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"

	errorx "github.com/webreactor/reactor/pkg/errors"
)

func mustName(t *testing.T, s string) dnsmessage.Name {
	t.Helper()
	n, err := dnsmessage.NewName(s)
	require.NoError(t, err)
	return n
}

func buildResponse(t *testing.T, id uint16) []byte {
	t.Helper()
	q := mustName(t, "example.com.")
	hdr := dnsmessage.ResourceHeader{Name: q, Class: dnsmessage.ClassINET, TTL: 300}

	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: id, Response: true, RecursionDesired: true, RecursionAvailable: true})
	b.EnableCompression()
	require.NoError(t, b.StartQuestions())
	require.NoError(t, b.Question(dnsmessage.Question{Name: q, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET}))
	require.NoError(t, b.StartAnswers())
	require.NoError(t, b.AResource(hdr, dnsmessage.AResource{A: [4]byte{93, 184, 216, 34}}))
	require.NoError(t, b.AAAAResource(hdr, dnsmessage.AAAAResource{
		AAAA: [16]byte{0x26, 0x06, 0x28, 0x00, 0x02, 0x20, 0x00, 0x01, 0x02, 0x48, 0x18, 0x93, 0x25, 0xc8, 0x19, 0x46},
	}))
	require.NoError(t, b.CNAMEResource(hdr, dnsmessage.CNAMEResource{CNAME: mustName(t, "edge.example.com.")}))
	require.NoError(t, b.MXResource(hdr, dnsmessage.MXResource{Pref: 10, MX: mustName(t, "mail.example.com.")}))
	require.NoError(t, b.TXTResource(hdr, dnsmessage.TXTResource{TXT: []string{"v=spf1 ", "-all"}}))
	require.NoError(t, b.NSResource(hdr, dnsmessage.NSResource{NS: mustName(t, "ns1.example.com.")}))
	require.NoError(t, b.PTRResource(hdr, dnsmessage.PTRResource{PTR: mustName(t, "host.example.com.")}))
	require.NoError(t, b.SRVResource(hdr, dnsmessage.SRVResource{Priority: 1, Weight: 1, Port: 443, Target: mustName(t, "srv.example.com.")}))
	msg, err := b.Finish()
	require.NoError(t, err)
	return msg
}

func TestParseAnswers(t *testing.T) {
	resp, err := Parse(buildResponse(t, 0xBEEF))
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), resp.ID)
	assert.True(t, resp.Reply)
	assert.Zero(t, resp.RCode)

	// SRV is not supported and must be dropped.
	require.Len(t, resp.Records, 7)
	want := []struct {
		typ  Type
		data string
	}{
		{TypeA, "93.184.216.34"},
		{TypeAAAA, "2606:2800:220:1:248:1893:25c8:1946"},
		{TypeCNAME, "edge.example.com"},
		{TypeMX, "mail.example.com"},
		{TypeTXT, "v=spf1 -all"},
		{TypeNS, "ns1.example.com"},
		{TypePTR, "host.example.com"},
	}
	for i, w := range want {
		rr := resp.Records[i]
		assert.Equal(t, "example.com", rr.Name)
		assert.Equal(t, w.typ, rr.Type, TypeName(w.typ))
		assert.Equal(t, w.data, rr.Data, TypeName(w.typ))
		assert.Equal(t, uint32(300), rr.TTL)
		assert.Equal(t, uint16(dnsmessage.ClassINET), rr.Class)
	}
}

func TestBuildQuery(t *testing.T) {
	msg, err := BuildQuery(0x1234, "example.org", TypeAAAA)
	require.NoError(t, err)

	id, ok := ID(msg)
	require.True(t, ok)
	assert.Equal(t, uint16(0x1234), id)

	var p dnsmessage.Parser
	hdr, err := p.Start(msg)
	require.NoError(t, err)
	assert.True(t, hdr.RecursionDesired)
	assert.False(t, hdr.Response)
	qs, err := p.AllQuestions()
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, "example.org.", qs[0].Name.String())
	assert.Equal(t, dnsmessage.TypeAAAA, qs[0].Type)
	assert.Equal(t, dnsmessage.ClassINET, qs[0].Class)

	// A query carries no answers.
	resp, err := Parse(msg)
	require.NoError(t, err)
	assert.False(t, resp.Reply)
	assert.Empty(t, resp.Records)
}

// compressedResponse lays out:
//
//	12: 3www7example3com0 A IN  question, www.example.com
//	33: <ptr 12> CNAME          answer name www.example.com
//	45: 3api<ptr 16>            rdata -> api.example.com
//	51: <ptr 45> PTR            answer name through the previous rdata
//	63: 2v1<ptr 45>             rdata -> v1.api.example.com, two levels of indirection
func compressedResponse() []byte {
	msg := []byte{0, 7, 0x81, 0x80, 0, 1, 0, 2, 0, 0, 0, 0}
	msg = append(msg, 3, 'w', 'w', 'w', 7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm', 0)
	msg = append(msg, 0, 1, 0, 1)
	msg = append(msg, 0xC0, 12, 0, 5, 0, 1, 0, 0, 0, 60, 0, 6)
	msg = append(msg, 3, 'a', 'p', 'i', 0xC0, 16)
	msg = append(msg, 0xC0, 45, 0, 12, 0, 1, 0, 0, 0, 60, 0, 5)
	msg = append(msg, 2, 'v', '1', 0xC0, 45)
	return msg
}

func TestParseCompressedNames(t *testing.T) {
	resp, err := Parse(compressedResponse())
	require.NoError(t, err)
	assert.Equal(t, uint16(7), resp.ID)
	require.Len(t, resp.Records, 2)

	assert.Equal(t, "www.example.com", resp.Records[0].Name)
	assert.Equal(t, TypeCNAME, resp.Records[0].Type)
	assert.Equal(t, "api.example.com", resp.Records[0].Data)
	assert.Equal(t, uint32(60), resp.Records[0].TTL)

	assert.Equal(t, "api.example.com", resp.Records[1].Name)
	assert.Equal(t, TypePTR, resp.Records[1].Type)
	assert.Equal(t, "v1.api.example.com", resp.Records[1].Data)
}

func TestParseMalformedNames(t *testing.T) {
	base := compressedResponse()
	cases := map[string]func(msg []byte){
		"self pointer":   func(msg []byte) { msg[34] = 33 },
		"pointer past end": func(msg []byte) { msg[50] = 0xF0 },
		"reserved label": func(msg []byte) { msg[45] = 0x40 },
		"label overrun":  func(msg []byte) { msg[63] = 60 },
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			msg := append([]byte(nil), base...)
			corrupt(msg)
			_, err := Parse(msg)
			assert.ErrorIs(t, err, errorx.ErrDNSMalformed)
		})
	}
}

func TestParseTruncated(t *testing.T) {
	msg := buildResponse(t, 1)
	_, err := Parse(msg[:8])
	assert.ErrorIs(t, err, errorx.ErrDNSMalformed)

	_, err = Parse(msg[:len(msg)-3])
	assert.ErrorIs(t, err, errorx.ErrDNSMalformed)
}

func TestParseType(t *testing.T) {
	for _, name := range []string{"A", "aaaa", " mx ", "TXT", "CNAME", "NS", "PTR"} {
		typ, err := ParseType(name)
		require.NoError(t, err, name)
		assert.Equal(t, TypeName(typ), typ2name(name))
	}
	_, err := ParseType("SRV")
	assert.ErrorIs(t, err, errorx.ErrDNSMalformed)
	assert.Equal(t, "TYPE33", TypeName(dnsmessage.TypeSRV))
}

func typ2name(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' {
			continue
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
