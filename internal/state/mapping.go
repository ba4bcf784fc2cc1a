package state

import (
	"encoding/json"
	"fmt"
)

// ToMap renders the snapshot as a JSON-decoded tree for key-wise merging.
func (s *ProjectSnapshot) ToMap() (map[string]any, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(payload, &tree); err != nil {
		return nil, fmt.Errorf("decode snapshot tree: %w", err)
	}
	return tree, nil
}

// SnapshotFromMap rebuilds a typed snapshot from a merged tree.
func SnapshotFromMap(tree map[string]any) (*ProjectSnapshot, error) {
	payload, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot tree: %w", err)
	}
	var snapshot ProjectSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}
