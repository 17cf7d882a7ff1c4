package inventory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/agentic-research/nodecache/internal/cache"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ohler55/ojg/oj"
	"lukechampine.com/blake3"
)

// JSONFile reads an inventory from a JSON document. The document is
// either an object mapping raw keys to records, or an array of records
// each carrying its raw key in KeyField.
//
// Records are decoded one at a time, so memory stays flat for large files.
// A .gz or .zst suffix selects gzip or zstd decompression.
type JSONFile struct {
	Path     string
	KeyField string // array form only; default "id"
}

// Version is the BLAKE3 digest of the file as stored, so rewriting a file
// with identical content does not trigger a rebuild.
func (j *JSONFile) Version(user string) (string, error) {
	path := resolvePath(j.Path, user)
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open inventory %s: %w", path, err)
	}
	defer func() { _ = f.Close() }() // safe to ignore

	hasher := blake3.New(32, nil)
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hash inventory %s: %w", path, err)
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

func (j *JSONFile) Walk(user string, sink cache.Sink) error {
	path := resolvePath(j.Path, user)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open inventory %s: %w", path, err)
	}
	defer func() { _ = f.Close() }() // safe to ignore

	r, closeFn, err := decompress(path, f)
	if err != nil {
		return fmt.Errorf("open inventory %s: %w", path, err)
	}
	defer closeFn()

	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("parse inventory %s: %w", path, err)
	}

	switch tok {
	case json.Delim('{'):
		err = j.walkObject(dec, sink)
	case json.Delim('['):
		err = j.walkArray(dec, sink)
	default:
		err = fmt.Errorf("want object or array, got %v", tok)
	}
	if err != nil {
		return fmt.Errorf("inventory %s: %w", path, err)
	}
	return nil
}

func (j *JSONFile) walkObject(dec *json.Decoder, sink cache.Sink) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return fmt.Errorf("parse record %s: %w", key, err)
		}
		if err := sink.AddRecord(key, asRecord(v)); err != nil {
			return err
		}
	}
	return nil
}

func (j *JSONFile) walkArray(dec *json.Decoder, sink cache.Sink) error {
	field := j.KeyField
	if field == "" {
		field = "id"
	}
	for i := 0; dec.More(); i++ {
		v, err := decodeValue(dec)
		if err != nil {
			return fmt.Errorf("parse record %d: %w", i, err)
		}
		rec := asRecord(v)
		key, ok := rec[field]
		if !ok || key == nil {
			return fmt.Errorf("record %d has no %q field", i, field)
		}
		if err := sink.AddRecord(fmt.Sprint(key), rec); err != nil {
			return err
		}
	}
	return nil
}

// decodeValue reads the next value as raw bytes and parses it with oj,
// which keeps integers as int64 instead of float64.
func decodeValue(dec *json.Decoder) (any, error) {
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return oj.Parse(raw)
}

// decompress wraps r according to the file suffix. The returned func
// releases decoder resources.
func decompress(path string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(strings.ToLower(path), ".gz"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case strings.HasSuffix(strings.ToLower(path), ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		return zr, zr.Close, nil
	}
	return r, func() {}, nil
}

var _ cache.Inventory = (*JSONFile)(nil)
