package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Address types, shared by SOCKS5 and the tunnel.
const (
	AtypIPv4   byte = 0x01
	AtypDomain byte = 0x03
	AtypIPv6   byte = 0x04
)

// DestKind is the address family of a Destination.
type DestKind byte

const (
	KindIPv4   DestKind = DestKind(AtypIPv4)
	KindDomain DestKind = DestKind(AtypDomain)
	KindIPv6   DestKind = DestKind(AtypIPv6)
)

// Destination is a target host and port the client wants reached.
// Exactly one of IP and Domain is set, according to Kind.
type Destination struct {
	Kind   DestKind
	IP     net.IP
	Domain string
	Port   uint16
}

// OutOfRangeError reports a read past the end of an encoded destination.
type OutOfRangeError struct {
	Field  string
	Index  int
	Length int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("parse %s failed: index %d out of range for length %d", e.Field, e.Index, e.Length)
}

var (
	ErrInvalidAddrType = errors.New("invalid address type")
	ErrDomainTooLong   = errors.New("domain longer than 255 bytes")
	ErrEmptyDomain     = errors.New("empty domain")
	ErrInvalidDomain   = errors.New("domain is not valid utf-8")
)

// NewDomainDest builds a domain destination.
func NewDomainDest(domain string, port uint16) (Destination, error) {
	if domain == "" {
		return Destination{}, ErrEmptyDomain
	}
	if len(domain) > 255 {
		return Destination{}, ErrDomainTooLong
	}
	if !utf8.ValidString(domain) {
		return Destination{}, ErrInvalidDomain
	}
	return Destination{Kind: KindDomain, Domain: domain, Port: port}, nil
}

// NewIPDest builds an IPv4 or IPv6 destination.
func NewIPDest(ip net.IP, port uint16) Destination {
	if v4 := ip.To4(); v4 != nil {
		return Destination{Kind: KindIPv4, IP: v4, Port: port}
	}
	return Destination{Kind: KindIPv6, IP: ip.To16(), Port: port}
}

// ParseDestination parses "host:port", splitting on the last colon. IPv6
// literals may be bracketed or bare.
func ParseDestination(hostport string) (Destination, error) {
	pos := strings.LastIndexByte(hostport, ':')
	if pos < 0 {
		return Destination{}, fmt.Errorf("missing port in %q", hostport)
	}
	host, portStr := hostport[:pos], hostport[pos+1:]
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Destination{}, fmt.Errorf("invalid port in %q: %w", hostport, err)
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if ip := net.ParseIP(host); ip != nil {
		return NewIPDest(ip, uint16(port)), nil
	}
	return NewDomainDest(host, uint16(port))
}

// Host returns the address without the port.
func (d Destination) Host() string {
	if d.Kind == KindDomain {
		return d.Domain
	}
	return d.IP.String()
}

// String renders "host:port". IPv6 hosts keep their embedded colons so the
// last colon remains the split point.
func (d Destination) String() string {
	return d.Host() + ":" + strconv.Itoa(int(d.Port))
}

// DialAddress is the form accepted by net.Dial.
func (d Destination) DialAddress() string {
	return net.JoinHostPort(d.Host(), strconv.Itoa(int(d.Port)))
}

// Equal compares two destinations by value.
func (d Destination) Equal(o Destination) bool {
	if d.Kind != o.Kind || d.Port != o.Port {
		return false
	}
	if d.Kind == KindDomain {
		return d.Domain == o.Domain
	}
	return d.IP.Equal(o.IP)
}

// AppendBytes appends [ATYP][ADDR][PORT] to b.
func (d Destination) AppendBytes(b []byte) []byte {
	switch d.Kind {
	case KindIPv4:
		b = append(b, AtypIPv4)
		b = append(b, d.IP.To4()...)
	case KindIPv6:
		b = append(b, AtypIPv6)
		b = append(b, d.IP.To16()...)
	default:
		b = append(b, AtypDomain, byte(len(d.Domain)))
		b = append(b, d.Domain...)
	}
	return binary.BigEndian.AppendUint16(b, d.Port)
}

// Bytes encodes the destination in SOCKS5 address format.
func (d Destination) Bytes() []byte {
	return d.AppendBytes(make([]byte, 0, 1+1+len(d.Domain)+16+2))
}

// DecodeDestination decodes a destination from the head of buf and returns
// the number of bytes consumed. Every step is bounds checked.
func DecodeDestination(buf []byte) (Destination, int, error) {
	n := len(buf)
	if n < 1 {
		return Destination{}, 0, &OutOfRangeError{Field: "addr type", Index: 0, Length: n}
	}
	var (
		d   Destination
		pos = 1
	)
	switch buf[0] {
	case AtypIPv4:
		if n < pos+4 {
			return d, 0, &OutOfRangeError{Field: "addr_buffer", Index: pos + 4, Length: n}
		}
		d = Destination{Kind: KindIPv4, IP: net.IP(append([]byte(nil), buf[pos:pos+4]...))}
		pos += 4
	case AtypIPv6:
		if n < pos+16 {
			return d, 0, &OutOfRangeError{Field: "addr_buffer", Index: pos + 16, Length: n}
		}
		d = Destination{Kind: KindIPv6, IP: net.IP(append([]byte(nil), buf[pos:pos+16]...))}
		pos += 16
	case AtypDomain:
		if n < pos+1 {
			return d, 0, &OutOfRangeError{Field: "domain length", Index: pos, Length: n}
		}
		l := int(buf[pos])
		pos++
		if n < pos+l {
			return d, 0, &OutOfRangeError{Field: "addr_buffer", Index: pos + l, Length: n}
		}
		if l == 0 {
			return d, 0, ErrEmptyDomain
		}
		if !utf8.Valid(buf[pos : pos+l]) {
			return d, 0, ErrInvalidDomain
		}
		d = Destination{Kind: KindDomain, Domain: string(buf[pos : pos+l])}
		pos += l
	default:
		return d, 0, fmt.Errorf("%w: %d", ErrInvalidAddrType, buf[0])
	}
	if n < pos+2 {
		return Destination{}, 0, &OutOfRangeError{Field: "port type", Index: pos + 2, Length: n}
	}
	d.Port = binary.BigEndian.Uint16(buf[pos : pos+2])
	return d, pos + 2, nil
}

// ReadDestination decodes a destination from a live stream, reading only
// as many bytes as the address type requires.
func ReadDestination(r io.Reader) (Destination, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return Destination{}, fmt.Errorf("read addr type: %w", err)
	}
	var d Destination
	switch atyp[0] {
	case AtypIPv4:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(r, ip); err != nil {
			return d, fmt.Errorf("read ipv4 address: %w", err)
		}
		d = Destination{Kind: KindIPv4, IP: ip}
	case AtypIPv6:
		ip := make([]byte, 16)
		if _, err := io.ReadFull(r, ip); err != nil {
			return d, fmt.Errorf("read ipv6 address: %w", err)
		}
		d = Destination{Kind: KindIPv6, IP: ip}
	case AtypDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return d, fmt.Errorf("read domain length: %w", err)
		}
		if l[0] == 0 {
			return d, ErrEmptyDomain
		}
		name := make([]byte, l[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return d, fmt.Errorf("read domain: %w", err)
		}
		if !utf8.Valid(name) {
			return d, ErrInvalidDomain
		}
		d = Destination{Kind: KindDomain, Domain: string(name)}
	default:
		return d, fmt.Errorf("%w: %d", ErrInvalidAddrType, atyp[0])
	}
	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return Destination{}, fmt.Errorf("read port: %w", err)
	}
	d.Port = binary.BigEndian.Uint16(port[:])
	return d, nil
}
