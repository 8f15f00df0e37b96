// Package protocol frames packets for the wire as TLV records and runs
// the TCP/TLS connections that carry them.
//
// # Records
//
// A record is a one-letter type, a length and a body. The header takes
// one of three forms, chosen by body length:
//
//	tiny   '0'+len                 body of 0..9 bytes, lowercase type only
//	short  lowercase type, len u8  body up to 255 bytes
//	long   uppercase type, len u32 LE
//
// Types are 'A'..'Z'. A tiny record loses its type, readers accept it in
// place of any expected type.
//
// Readers come in two flavours: Take for buffers produced locally and
// TakeWary for anything that came off the network.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const CaseBit uint8 = 'a' - 'A'

const maxBodyLen = 0x7fffffff

var (
	ErrIncomplete = errors.New("protocol: incomplete record")
	ErrBadRecord  = errors.New("protocol: bad record format")
)

// ProbeHeader reads a record header. lit is the record type, '0' for a
// tiny record, '-' for garbage and 0 when more bytes are needed.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	b := data[0]
	switch {
	case b >= '0' && b <= '9':
		return '0', 1, int(b - '0')
	case b >= 'a' && b <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return b - CaseBit, 2, int(data[1])
	case b >= 'A' && b <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		l := binary.LittleEndian.Uint32(data[1:5])
		if l > maxBodyLen {
			return '-', 0, 0
		}
		return b, 5, int(l)
	default:
		return '-', 0, 0
	}
}

// Split moves every complete record out of data. An incomplete tail
// stays in data for the next read.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		lit, hlen, blen := ProbeHeader(data.Bytes())
		if lit == '-' {
			return recs, ErrBadRecord
		}
		if lit == 0 || hlen+blen > data.Len() {
			return recs, nil
		}
		rec := make([]byte, hlen+blen)
		_, _ = data.Read(rec)
		recs = append(recs, rec)
	}
	return recs, nil
}

// AppendHeader appends the shortest header for bodylen. A lowercase lit
// allows the tiny form.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	big := lit &^ CaseBit
	if big < 'A' || big > 'Z' {
		panic(fmt.Sprintf("protocol: record type %q is not A..Z", lit))
	}
	switch {
	case bodylen < 10 && lit&CaseBit != 0:
		return append(into, byte('0'+bodylen))
	case bodylen > 0xff:
		if bodylen > maxBodyLen {
			panic("protocol: oversized record")
		}
		into = append(into, big)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	default:
		return append(into, big|CaseBit, byte(bodylen))
	}
}

func TotalLen(inputs [][]byte) (sum int) {
	for _, in := range inputs {
		sum += len(in)
	}
	return
}

// Append appends a record whose body is the concatenation of body.
func Append(into []byte, lit byte, body ...[]byte) []byte {
	into = AppendHeader(into, lit, TotalLen(body))
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

func Record(lit byte, body ...[]byte) []byte {
	return Append(make([]byte, 0, TotalLen(body)+5), lit, body...)
}

func Concat(msg ...[]byte) []byte {
	ret := make([]byte, 0, TotalLen(msg))
	for _, b := range msg {
		ret = append(ret, b...)
	}
	return ret
}

// Take reads a record of type lit from trusted data. body is nil if the
// record is incomplete or of another type.
func Take(lit byte, data []byte) (body, rest []byte) {
	body, rest, _ = TakeWary(lit, data)
	return
}

// TakeWary reads a record of type lit from untrusted data.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	switch {
	case flit == '-':
		return nil, nil, ErrBadRecord
	case flit == 0 || hdrlen+bodylen > len(data):
		return nil, data, ErrIncomplete
	case flit != lit && flit != '0':
		return nil, nil, ErrBadRecord
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// TakeAnyWary reads the next record whatever its type.
func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, ErrIncomplete
	}
	lit, _, _ = ProbeHeader(data)
	if lit == '-' {
		return 0, nil, nil, ErrBadRecord
	}
	body, rest, err = TakeWary(data[0]&^CaseBit, data)
	return
}
