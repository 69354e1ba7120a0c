package db

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
)

// Metadata represents a flexible key-value store for additional data, stored as JSON in the database.
// It implements the sql.Scanner and driver.Valuer interfaces to handle database serialization.
type Metadata map[string]any

// Scan implements the sql.Scanner interface, allowing Metadata to be read from the database.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = make(Metadata)
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
}

// Value implements the driver.Valuer interface, allowing Metadata to be written to the database.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Header stores an http.Header as a JSON object of string arrays.
type Header http.Header

// Scan implements the sql.Scanner interface.
func (h *Header) Scan(value interface{}) error {
	*h = make(Header)
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, h)
	case string:
		return json.Unmarshal([]byte(v), h)
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
}

// Value implements the driver.Valuer interface.
func (h Header) Value() (driver.Value, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

const encodingBrotli = "br"

// compressBody brotli-compresses a captured body for storage.
func compressBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := writer.Write(body); err != nil {
		return nil, fmt.Errorf("compressing body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("flushing brotli writer: %w", err)
	}
	return buf.Bytes(), nil
}

// decompressBody reverses compressBody according to the stored encoding.
func decompressBody(body []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		return body, nil
	case encodingBrotli:
		decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("reading brotli content : %w", err)
		}
		return decompressed, nil
	default:
		return nil, fmt.Errorf("unsupported body encoding %q", encoding)
	}
}
