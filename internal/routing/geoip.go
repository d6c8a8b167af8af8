package routing

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/oschwald/maxminddb-golang"
)

// privateCIDRs backs the "private" IP selector.
var privateCIDRs = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

type geoIPCountryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
	RepresentedCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"represented_country"`
}

// GeoIP resolves addresses to ISO country codes from a MaxMind database.
type GeoIP struct {
	reader *maxminddb.Reader
}

// OpenGeoIP opens a country database on disk.
func OpenGeoIP(path string) (*GeoIP, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mmdb: %w", err)
	}
	return &GeoIP{reader: reader}, nil
}

// GeoIPFromBytes parses an in-memory database.
func GeoIPFromBytes(raw []byte) (*GeoIP, error) {
	reader, err := maxminddb.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("parse mmdb: %w", err)
	}
	return &GeoIP{reader: reader}, nil
}

// Country returns the upper-case ISO code for ip.
func (g *GeoIP) Country(ip netip.Addr) (string, bool) {
	if g == nil || !ip.IsValid() {
		return "", false
	}
	var record geoIPCountryRecord
	if err := g.reader.Lookup(net.IP(ip.Unmap().AsSlice()), &record); err != nil {
		return "", false
	}
	code := strings.TrimSpace(record.Country.ISOCode)
	if code == "" {
		code = strings.TrimSpace(record.RegisteredCountry.ISOCode)
	}
	if code == "" {
		code = strings.TrimSpace(record.RepresentedCountry.ISOCode)
	}
	if code == "" {
		return "", false
	}
	return strings.ToUpper(code), true
}

func (g *GeoIP) Close() error {
	if g == nil {
		return nil
	}
	return g.reader.Close()
}

// IPGroup matches addresses against CIDR ranges and GeoIP country codes.
type IPGroup struct {
	prefixes  []netip.Prefix
	countries map[string]struct{}
}

func newIPGroup() *IPGroup {
	return &IPGroup{countries: make(map[string]struct{})}
}

func (g *IPGroup) addCIDR(s string) error {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return fmt.Errorf("invalid cidr %q: %w", s, err)
	}
	g.prefixes = append(g.prefixes, p.Masked())
	return nil
}

func (g *IPGroup) addCountry(code string) {
	g.countries[strings.ToUpper(code)] = struct{}{}
}

func (g *IPGroup) Len() int { return len(g.prefixes) + len(g.countries) }

// Match checks CIDRs first, then the country of ip when geo is non-nil.
func (g *IPGroup) Match(ip netip.Addr, geo *GeoIP) bool {
	ip = ip.Unmap()
	for _, p := range g.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	if len(g.countries) == 0 || geo == nil {
		return false
	}
	code, ok := geo.Country(ip)
	if !ok {
		return false
	}
	_, hit := g.countries[code]
	return hit
}
