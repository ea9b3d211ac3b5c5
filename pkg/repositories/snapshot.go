package repositories

import (
	"fmt"

	"github.com/cbodonnell/theyr/pkg/tree"
	"github.com/klauspost/compress/zstd"
)

var (
	snapshotEncoder, _ = zstd.NewWriter(nil)
	snapshotDecoder, _ = zstd.NewReader(nil)
)

// encodeSnapshot renders root as zstd-compressed JSON for the SQL backends.
func encodeSnapshot(root tree.Value) ([]byte, error) {
	b, err := root.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %v", err)
	}
	return snapshotEncoder.EncodeAll(b, make([]byte, 0, len(b)/2)), nil
}

func decodeSnapshot(data []byte) (tree.Value, error) {
	b, err := snapshotDecoder.DecodeAll(data, nil)
	if err != nil {
		return tree.Value{}, fmt.Errorf("failed to decompress snapshot: %v", err)
	}
	return decodeDocument(b)
}

// decodeDocument parses a stored tree, which must be an object.
func decodeDocument(b []byte) (tree.Value, error) {
	root, err := tree.Parse(b)
	if err != nil {
		return tree.Value{}, err
	}
	if root.Kind() != tree.KindObject {
		return tree.Value{}, fmt.Errorf("stored state must be an object, got %s", root.Kind())
	}
	return root, nil
}
