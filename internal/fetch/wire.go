// Package fetch implements the part-exchange transport of spec §4.8:
// an HTTP GET wire contract for downloading a part's files between
// replicas, with HTTP Basic auth and optional block compression.
package fetch

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/johnskopis/ClickHouse/internal/rerrors"
)

// fileHeader precedes each file in the framed response body: a
// length-prefixed name, a byte size, and a checksum string, the
// {name-length, name, size, bytes, checksum} framing of spec §4.8.
type fileHeader struct {
	Name     string
	Size     int64
	Checksum string
}

func writeFile(w io.Writer, name string, checksum string, data []byte) error {
	if err := writeString(w, name); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int64(len(data))); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return writeString(w, checksum)
}

func readFile(r io.Reader) (fileHeader, []byte, error) {
	name, err := readString(r)
	if err != nil {
		return fileHeader{}, nil, err
	}
	var size int64
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return fileHeader{}, nil, fmt.Errorf("fetch: read size for %s: %w", name, err)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return fileHeader{}, nil, fmt.Errorf("fetch: read body for %s: %w", name, err)
	}
	checksum, err := readString(r)
	if err != nil {
		return fileHeader{}, nil, err
	}
	return fileHeader{Name: name, Size: size, Checksum: checksum}, data, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		if err == io.EOF {
			return "", io.EOF
		}
		return "", rerrors.Wrap(rerrors.LogicalInvariantViolated, err, "fetch: read length prefix")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("fetch: read string body: %w", err)
	}
	return string(buf), nil
}
