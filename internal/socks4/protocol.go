// Package socks4 implements a SOCKS4/4a proxy server for socks4d.
package socks4

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Protocol version byte (wire, not reply byte 0).
const Version = 0x04

// Command types.
const (
	CmdConnect = 0x01
	CmdBind    = 0x02
)

// Reply codes. Only ReplyGranted and ReplyRejected are ever originated
// by this server (see EncodeReply); the identd-related codes are
// recognized by DecodeReply for symmetry and third-party interop only.
const (
	ReplyGranted      = 0x5A
	ReplyRejected     = 0x5B
	ReplyNoIdentd     = 0x5C
	ReplyIdentdReject = 0x5D
)

// maxTrailerLen bounds userid/domain parsing, including the terminator.
const maxTrailerLen = 256

// Request is a decoded SOCKS4/4a request.
type Request struct {
	Command byte
	Port    uint16
	IP      net.IP // always 4 bytes (IPv4), even for SOCKS4a requests
	UserID  string
	Domain  string // non-empty only for SOCKS4a
}

// IsSOCKS4a reports whether the request's IP field is the 0.0.0.x
// sentinel (top three octets zero, low octet non-zero) that signals a
// domain-name request.
func (r *Request) IsSOCKS4a() bool {
	return isSOCKS4aIP(r.IP)
}

func isSOCKS4aIP(ip net.IP) bool {
	v4 := ip.To4()
	return v4 != nil && v4[0] == 0 && v4[1] == 0 && v4[2] == 0 && v4[3] != 0
}

// DecodeRequestHeader reads and validates the fixed 8-byte header. Once
// all 8 bytes have been read, the returned Request is populated with
// the port/IP parsed from the wire — even when err reports a bad
// version or command — so a caller building an error reply can still
// echo them: a bad-version request still gets its port/ipv4 echoed
// back. If the header cannot be read in full, the Request is nil.
func DecodeRequestHeader(r io.Reader) (*Request, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	req := &Request{
		Command: buf[1],
		Port:    binary.BigEndian.Uint16(buf[2:4]),
		IP:      net.IPv4(buf[4], buf[5], buf[6], buf[7]),
	}

	if buf[0] != Version {
		return req, &ProtocolError{Kind: BadVersion, Detail: fmt.Sprintf("version %d", buf[0])}
	}

	if req.Command != CmdConnect && req.Command != CmdBind {
		return req, &ProtocolError{Kind: BadCommand, Detail: fmt.Sprintf("command %d", req.Command)}
	}

	return req, nil
}

// DecodeTrailer reads a single NUL-terminated string, enforcing a
// 256-byte ceiling (including the terminator). An immediate NUL
// (empty string) is accepted by this function; callers that must
// reject an empty domain check the length themselves.
func DecodeTrailer(r io.Reader) (string, error) {
	var buf []byte
	var b [1]byte
	for len(buf) < maxTrailerLen {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", fmt.Errorf("read trailer byte: %w", err)
		}
		if b[0] == 0x00 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", &ProtocolError{Kind: BadIdent, Detail: "trailer exceeds 256 bytes without terminator"}
}

// EncodeReply produces the 8-byte reply frame. Only ReplyGranted and
// ReplyRejected are valid codes for origination;
// port and ip are echoed from the request even on failure.
func EncodeReply(code byte, port uint16, ip net.IP) []byte {
	buf := make([]byte, 8)
	buf[0] = 0x00
	buf[1] = code
	binary.BigEndian.PutUint16(buf[2:4], port)

	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	copy(buf[4:8], v4)
	return buf
}

// Reply is a decoded 8-byte reply frame, the mirror of EncodeReply.
// Nothing in this server decodes its own replies in production; the
// decoder exists for clients and tests, and a wire codec package is
// the natural place for it.
type Reply struct {
	Code byte
	Port uint16
	IP   net.IP
}

// DecodeReply parses an 8-byte reply frame. All four reply codes are
// accepted for decoding, even though this server only ever originates
// ReplyGranted/ReplyRejected.
func DecodeReply(r io.Reader) (*Reply, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if buf[0] != 0x00 {
		return nil, fmt.Errorf("reply: byte 0 must be 0x00, got %#x", buf[0])
	}
	switch buf[1] {
	case ReplyGranted, ReplyRejected, ReplyNoIdentd, ReplyIdentdReject:
	default:
		return nil, fmt.Errorf("reply: unrecognized code %#x", buf[1])
	}

	return &Reply{
		Code: buf[1],
		Port: binary.BigEndian.Uint16(buf[2:4]),
		IP:   net.IPv4(buf[4], buf[5], buf[6], buf[7]),
	}, nil
}
