package protocol

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
)

func TestDestinationRoundTrip(t *testing.T) {
	domain, err := NewDomainDest("example.com", 443)
	if err != nil {
		t.Fatalf("NewDomainDest failed: %v", err)
	}
	tests := []struct {
		name string
		dest Destination
		str  string
	}{
		{"ipv4", NewIPDest(net.ParseIP("1.2.3.4"), 80), "1.2.3.4:80"},
		{"ipv6", NewIPDest(net.ParseIP("2001:db8::1"), 8443), "2001:db8::1:8443"},
		{"domain", domain, "example.com:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dest.String(); got != tt.str {
				t.Errorf("String() = %q, want %q", got, tt.str)
			}

			enc := tt.dest.Bytes()
			got, n, err := DecodeDestination(enc)
			if err != nil {
				t.Fatalf("DecodeDestination failed: %v", err)
			}
			if n != len(enc) {
				t.Errorf("consumed %d bytes, want %d", n, len(enc))
			}
			if !got.Equal(tt.dest) {
				t.Errorf("decoded %v, want %v", got, tt.dest)
			}

			streamed, err := ReadDestination(bytes.NewReader(enc))
			if err != nil {
				t.Fatalf("ReadDestination failed: %v", err)
			}
			if !streamed.Equal(tt.dest) {
				t.Errorf("streamed %v, want %v", streamed, tt.dest)
			}

			parsed, err := ParseDestination(tt.str)
			if err != nil {
				t.Fatalf("ParseDestination(%q) failed: %v", tt.str, err)
			}
			if !parsed.Equal(tt.dest) {
				t.Errorf("parsed %v, want %v", parsed, tt.dest)
			}
		})
	}
}

func TestDecodeDestinationOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		in    []byte
		field string
	}{
		{"empty", nil, "addr type"},
		{"short ipv4", []byte{AtypIPv4, 1, 2}, "addr_buffer"},
		{"short ipv6", []byte{AtypIPv6, 0, 0, 0, 0}, "addr_buffer"},
		{"missing domain length", []byte{AtypDomain}, "domain length"},
		{"short domain", []byte{AtypDomain, 5, 'a', 'b'}, "addr_buffer"},
		{"missing port", []byte{AtypIPv4, 1, 2, 3, 4, 0}, "port type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeDestination(tt.in)
			var oor *OutOfRangeError
			if !errors.As(err, &oor) {
				t.Fatalf("expected OutOfRangeError, got %v", err)
			}
			if oor.Field != tt.field {
				t.Errorf("field = %q, want %q", oor.Field, tt.field)
			}
		})
	}
}

func TestDecodeDestinationInvalid(t *testing.T) {
	if _, _, err := DecodeDestination([]byte{0x02, 0, 0}); !errors.Is(err, ErrInvalidAddrType) {
		t.Errorf("expected ErrInvalidAddrType, got %v", err)
	}
	if _, _, err := DecodeDestination([]byte{AtypDomain, 0, 0, 80}); !errors.Is(err, ErrEmptyDomain) {
		t.Errorf("expected ErrEmptyDomain, got %v", err)
	}
	badDomain := []byte{AtypDomain, 2, 0xff, 0xfe, 0x01, 0xbb}
	if _, _, err := DecodeDestination(badDomain); !errors.Is(err, ErrInvalidDomain) {
		t.Errorf("expected ErrInvalidDomain, got %v", err)
	}
	if _, err := ReadDestination(bytes.NewReader(badDomain)); !errors.Is(err, ErrInvalidDomain) {
		t.Errorf("expected ErrInvalidDomain from stream decode, got %v", err)
	}
	if _, err := NewDomainDest("\xff\xfe", 443); !errors.Is(err, ErrInvalidDomain) {
		t.Errorf("expected ErrInvalidDomain for a built destination, got %v", err)
	}
}

func TestNewDomainDestLimits(t *testing.T) {
	if _, err := NewDomainDest("", 80); !errors.Is(err, ErrEmptyDomain) {
		t.Errorf("expected ErrEmptyDomain, got %v", err)
	}
	if _, err := NewDomainDest(strings.Repeat("a", 256), 80); !errors.Is(err, ErrDomainTooLong) {
		t.Errorf("expected ErrDomainTooLong, got %v", err)
	}
	if _, err := NewDomainDest(strings.Repeat("a", 255), 80); err != nil {
		t.Errorf("255-byte domain should be accepted: %v", err)
	}
}

func TestParseDestinationErrors(t *testing.T) {
	for _, in := range []string{"example.com", "example.com:http", "example.com:70000", ":80"} {
		if _, err := ParseDestination(in); err == nil {
			t.Errorf("ParseDestination(%q) expected error", in)
		}
	}
	d, err := ParseDestination("[::1]:443")
	if err != nil {
		t.Fatalf("bracketed ipv6 failed: %v", err)
	}
	if d.Kind != KindIPv6 || d.Port != 443 {
		t.Errorf("unexpected destination %+v", d)
	}
	if got := d.DialAddress(); got != "[::1]:443" {
		t.Errorf("DialAddress() = %q, want [::1]:443", got)
	}
}
