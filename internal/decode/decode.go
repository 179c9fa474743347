// Copyright (c) 2026 John Earle
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

// Package decode unwraps report containers. A submission may be plain XML,
// a gzip stream or a zip archive; the format is sniffed from magic bytes,
// never from the file extension, because mail clients routinely mislabel
// attachments.
package decode

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// DefaultMaxSize caps the decompressed bytes produced from one submission.
const DefaultMaxSize int64 = 50 << 20

// ErrResourceLimitExceeded is returned when decompression would exceed the
// configured cap (zip/gzip bombs, or simply oversized reports).
var ErrResourceLimitExceeded = errors.New("resource limit exceeded: decompressed size over cap")

// Reasons carried by DecodeError.
const (
	ReasonCorrupt   = "corrupt archive"
	ReasonNoReports = "no report files found"
)

// DecodeError reports a malformed or unusable container.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Format is the container variant detected for a submission.
type Format int

const (
	FormatXML Format = iota
	FormatGzip
	FormatZip
)

func (f Format) String() string {
	switch f {
	case FormatGzip:
		return "gzip"
	case FormatZip:
		return "zip"
	default:
		return "xml"
	}
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte("PK\x03\x04")
)

// Detect sniffs the container format from the leading bytes.
func Detect(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return FormatGzip
	case bytes.HasPrefix(data, zipMagic):
		return FormatZip
	default:
		return FormatXML
	}
}

// Stream is one candidate XML document extracted from a submission.
type Stream struct {
	Name string
	Data []byte
}

// Decoder extracts XML streams from submissions. It holds no state beyond
// its limit and is safe for concurrent use.
type Decoder struct {
	maxSize int64
}

// NewDecoder creates a decoder with the given decompressed-size cap.
// A non-positive cap selects DefaultMaxSize.
func NewDecoder(maxSize int64) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Decoder{maxSize: maxSize}
}

// MaxSize returns the decompressed-size cap.
func (d *Decoder) MaxSize() int64 { return d.maxSize }

// Decode returns the XML streams contained in data. The input slice is
// never modified; plain XML is returned as-is without copying.
func (d *Decoder) Decode(name string, data []byte) ([]Stream, error) {
	switch Detect(data) {
	case FormatGzip:
		s, err := d.gunzip(name, data)
		if err != nil {
			return nil, err
		}
		return []Stream{s}, nil
	case FormatZip:
		return d.unzip(data)
	default:
		if int64(len(data)) > d.maxSize {
			return nil, ErrResourceLimitExceeded
		}
		return []Stream{{Name: name, Data: data}}, nil
	}
}

func (d *Decoder) gunzip(name string, data []byte) (Stream, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return Stream{}, &DecodeError{Reason: ReasonCorrupt, Err: err}
	}
	defer zr.Close()

	out, err := readCapped(zr, d.maxSize)
	if err != nil {
		return Stream{}, err
	}

	streamName := zr.Name
	if streamName == "" {
		streamName = strings.TrimSuffix(path.Base(name), ".gz")
	}
	if streamName == "" || streamName == "." {
		streamName = "report.xml"
	}
	return Stream{Name: streamName, Data: out}, nil
}

func (d *Decoder) unzip(data []byte) ([]Stream, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &DecodeError{Reason: ReasonCorrupt, Err: err}
	}

	remaining := d.maxSize
	var streams []Stream
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), ".xml") {
			continue
		}
		// Declared sizes can lie, but an honest oversized entry is refused
		// before inflating a single byte.
		if f.UncompressedSize64 > uint64(remaining) {
			return nil, ErrResourceLimitExceeded
		}

		rc, err := f.Open()
		if err != nil {
			return nil, &DecodeError{Reason: ReasonCorrupt, Err: fmt.Errorf("open %s: %w", f.Name, err)}
		}
		out, err := readCapped(rc, remaining)
		rc.Close()
		if err != nil {
			return nil, err
		}

		remaining -= int64(len(out))
		streams = append(streams, Stream{Name: f.Name, Data: out})
	}

	if len(streams) == 0 {
		return nil, &DecodeError{Reason: ReasonNoReports}
	}
	return streams, nil
}

// readCapped reads r fully, failing as soon as more than limit bytes appear.
func readCapped(r io.Reader, limit int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, &DecodeError{Reason: ReasonCorrupt, Err: err}
	}
	if int64(len(out)) > limit {
		return nil, ErrResourceLimitExceeded
	}
	return out, nil
}
