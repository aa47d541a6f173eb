package pds

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// cidLinkTag is the DAG-CBOR tag wrapping content identifiers.
const cidLinkTag = 42

var carDecMode cbor.DecMode

func init() {
	mode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("build cbor decode mode: %v", err))
	}
	carDecMode = mode
}

// ParseRepo walks a repository export container and returns the decoded
// record values it contains. The container is a varint-framed sequence: a
// header block followed by sections of varint length, a binary CID, and a
// DAG-CBOR block. Blocks that are not records (tree nodes, commits) are
// skipped, as are blocks that fail to decode.
func ParseRepo(data []byte) ([]Record, error) {
	offset := 0

	headerLen, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("container missing header length")
	}
	offset += n
	if offset+int(headerLen) > len(data) {
		return nil, fmt.Errorf("container header truncated")
	}
	offset += int(headerLen)

	var records []Record
	for offset < len(data) {
		sectionLen, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			return nil, fmt.Errorf("malformed section length at offset %d", offset)
		}
		offset += n
		if sectionLen == 0 || offset+int(sectionLen) > len(data) {
			return nil, fmt.Errorf("section truncated at offset %d", offset)
		}
		section := data[offset : offset+int(sectionLen)]
		offset += int(sectionLen)

		cidLen, err := cidLength(section)
		if err != nil {
			return nil, fmt.Errorf("section at offset %d: %w", offset, err)
		}
		block := section[cidLen:]

		var value map[string]any
		if err := carDecMode.Unmarshal(block, &value); err != nil {
			// Not every block is a CBOR map; tree nodes and raw blobs are
			// expected here.
			continue
		}
		if _, ok := value["$type"].(string); !ok {
			continue
		}
		records = append(records, Record{
			CID:   hex.EncodeToString(section[:cidLen]),
			Value: normalizeValue(value).(map[string]any),
		})
	}
	return records, nil
}

// cidLength returns the byte length of the binary CID at the start of a
// section.
func cidLength(section []byte) (int, error) {
	if len(section) >= 2 && section[0] == 0x12 && section[1] == 0x20 {
		// CIDv0: multihash sha2-256 with a 32-byte digest.
		if len(section) < 34 {
			return 0, fmt.Errorf("truncated cidv0")
		}
		return 34, nil
	}

	offset := 0
	for _, field := range []string{"version", "codec", "hash code"} {
		_, n := binary.Uvarint(section[offset:])
		if n <= 0 {
			return 0, fmt.Errorf("malformed cid %s", field)
		}
		offset += n
	}
	digestLen, n := binary.Uvarint(section[offset:])
	if n <= 0 {
		return 0, fmt.Errorf("malformed cid digest length")
	}
	offset += n + int(digestLen)
	if offset > len(section) {
		return 0, fmt.Errorf("truncated cid digest")
	}
	return offset, nil
}

// normalizeValue rewrites CBOR-specific values into JSON-friendly shapes:
// tag-42 links become {"$link": hex} maps and byte strings become base64.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = normalizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeValue(inner)
		}
		return out
	case cbor.Tag:
		if val.Number == cidLinkTag {
			if raw, ok := val.Content.([]byte); ok {
				return map[string]any{"$link": hex.EncodeToString(raw)}
			}
		}
		return normalizeValue(val.Content)
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	default:
		return v
	}
}
