package core

import (
	"encoding/json"
	"fmt"

	"pericia/pkg/domain"
)

// GetDoc decodes the document c/id into T. The bool is false when absent.
func GetDoc[T any](r domain.Reader, c domain.Collection, id string) (T, bool, error) {
	var out T
	raw, ok := r.Get(c, id)
	if !ok {
		return out, false, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, true, fmt.Errorf("decode %s/%s: %w", c, id, err)
	}
	return out, true, nil
}

// MustGetDoc is GetDoc that reports absence as a NotFoundError.
func MustGetDoc[T any](r domain.Reader, c domain.Collection, id string) (T, error) {
	out, ok, err := GetDoc[T](r, c, id)
	if err != nil {
		return out, err
	}
	if !ok {
		return out, domain.NotFoundError{Collection: c, ID: id}
	}
	return out, nil
}

// PutDoc encodes v and stores it as c/id.
func PutDoc[T any](tx domain.Tx, c domain.Collection, id string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", c, id, err)
	}
	return tx.Put(c, id, raw)
}

// ListDocs decodes every document of c in id order.
func ListDocs[T any](r domain.Reader, c domain.Collection) ([]T, error) {
	return ListDocsPrefix[T](r, c, "")
}

// ListDocsPrefix decodes the documents of c whose id starts with prefix, in id order.
func ListDocsPrefix[T any](r domain.Reader, c domain.Collection, prefix string) ([]T, error) {
	var out []T
	err := r.ScanPrefix(c, prefix, func(id string, raw []byte) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode %s/%s: %w", c, id, err)
		}
		out = append(out, v)
		return nil
	})
	return out, err
}
