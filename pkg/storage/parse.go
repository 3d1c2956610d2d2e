package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/polisai/clearurls-dnr/pkg/domain"
)

const providersKey = "providers"

// ParseDatabase decodes a provider database. The input is either the
// document itself ({"providers": {...}}) or a JSON/YAML string whose content
// is the document. JSON and YAML are both accepted; providers keep the order
// in which the document declares them. A document without providers, or
// with null providers, is an empty database.
func ParseDatabase(raw []byte) (*domain.ProviderDatabase, error) {
	db, err := parseDatabase(raw, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDatabase, err)
	}
	return db, nil
}

func parseDatabase(raw []byte, allowText bool) (*domain.ProviderDatabase, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty document")
	}

	switch trimmed[0] {
	case '{':
		return decodeJSONDocument(trimmed)
	case '"':
		if !allowText {
			return nil, errors.New("serialized document nested in a string")
		}
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil, fmt.Errorf("decode serialized document: %w", err)
		}
		return parseDatabase([]byte(text), false)
	default:
		return decodeYAMLDocument(trimmed, allowText)
	}
}

// decodeJSONDocument walks the top-level object with a token decoder so the
// provider order survives decoding.
func decodeJSONDocument(data []byte) (*domain.ProviderDatabase, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	var db *domain.ProviderDatabase
	for dec.More() {
		key, err := objectKey(dec)
		if err != nil {
			return nil, err
		}
		if key != providersKey {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("decode %q: %w", key, err)
			}
			continue
		}
		if db, err = decodeJSONProviders(dec); err != nil {
			return nil, err
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after document")
	}
	if db == nil {
		db = domain.NewProviderDatabase()
	}
	return db, nil
}

func decodeJSONProviders(dec *json.Decoder) (*domain.ProviderDatabase, error) {
	db := domain.NewProviderDatabase()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return db, nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%q: expected object, got %v", providersKey, tok)
	}
	for dec.More() {
		name, err := objectKey(dec)
		if err != nil {
			return nil, err
		}
		var p domain.Provider
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		p.Name = name
		db.Put(p)
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return db, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func objectKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return key, nil
}

// decodeYAMLDocument reads the document through yaml.Node, whose mapping
// content keeps key order.
func decodeYAMLDocument(data []byte, allowText bool) (*domain.ProviderDatabase, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.New("empty document")
	}

	root := doc.Content[0]
	switch {
	case root.Kind == yaml.ScalarNode && root.Tag == "!!str":
		if !allowText {
			return nil, errors.New("serialized document nested in a string")
		}
		return parseDatabase([]byte(root.Value), false)
	case root.Kind != yaml.MappingNode:
		return nil, fmt.Errorf("line %d: document is not a mapping", root.Line)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != providersKey {
			continue
		}
		return decodeYAMLProviders(root.Content[i+1])
	}
	return domain.NewProviderDatabase(), nil
}

func decodeYAMLProviders(node *yaml.Node) (*domain.ProviderDatabase, error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return domain.NewProviderDatabase(), nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: %q is not a mapping", node.Line, providersKey)
	}
	db := domain.NewProviderDatabase()
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var p domain.Provider
		if err := node.Content[i+1].Decode(&p); err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		p.Name = name
		db.Put(p)
	}
	return db, nil
}
