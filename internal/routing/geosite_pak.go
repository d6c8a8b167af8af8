package routing

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// A pak file is a zstd stream: four magic bytes then a gob-encoded GeoSite.
var pakMagic = [4]byte{'G', 'S', 'P', 1}

var ErrBadPak = errors.New("invalid geosite pak header")

// WritePak serializes g to w.
func WritePak(w io.Writer, g *GeoSite) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return err
	}
	if _, err := enc.Write(pakMagic[:]); err != nil {
		enc.Close()
		return err
	}
	if err := gob.NewEncoder(enc).Encode(g); err != nil {
		enc.Close()
		return fmt.Errorf("encode geosite: %w", err)
	}
	return enc.Close()
}

// ReadPak decodes a GeoSite written by WritePak.
func ReadPak(r io.Reader) (*GeoSite, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var magic [4]byte
	if _, err := io.ReadFull(dec, magic[:]); err != nil {
		return nil, fmt.Errorf("read pak header: %w", err)
	}
	if magic != pakMagic {
		return nil, ErrBadPak
	}
	var g GeoSite
	if err := gob.NewDecoder(dec).Decode(&g); err != nil {
		return nil, fmt.Errorf("decode geosite: %w", err)
	}
	if g.Files == nil {
		g.Files = map[string]FileRules{}
	}
	for name, fr := range g.Files {
		bad := false
		fr.each(func(idx int) {
			if idx < 0 || idx >= len(g.Rules) {
				bad = true
			}
		})
		if bad {
			return nil, fmt.Errorf("geosite file %s references a missing rule", name)
		}
	}
	return &g, nil
}

// SavePak writes g to path atomically.
func SavePak(path string, g *GeoSite) error {
	var buf bytes.Buffer
	if err := WritePak(&buf, g); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadPak reads a pak file from disk.
func LoadPak(path string) (*GeoSite, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadPak(f)
}
