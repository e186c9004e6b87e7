package network

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"
)

// A published content root is a path index plus the blobs it points at.
// Blobs are stored as records of [digest, zero padded][uint64 length][data]
// and spread over layers by the first byte of their digest, so identical
// files share one record and a layer's contents depend only on the blobs
// in it.
const (
	layerTarget = 10 << 20 // layers grow up to this many bytes
	layerFloor  = 2 << 20  // a layer smaller than this may grow to twice layerTarget
	digestField = len("sha256:") + sha256.Size*2
	recordHead  = digestField + 8
)

func digestOf(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// bundle is the publishable form of a content root. The JSON encoded index
// is stored among the blobs under indexDigest.
type bundle struct {
	index       map[string]string // path -> digest
	blobs       map[string][]byte // digest -> data
	indexDigest string
}

// newBundle validates the paths of files and builds their bundle. A path
// that is also the parent directory of another path is rejected.
func newBundle(files map[string][]byte) (*bundle, error) {
	b := &bundle{
		index: make(map[string]string, len(files)),
		blobs: make(map[string][]byte, len(files)+1),
	}
	for p, data := range files {
		clean, err := cleanPublishPath(p)
		if err != nil {
			return nil, err
		}
		d := digestOf(data)
		b.index[clean] = d
		b.blobs[d] = data
	}
	for p := range b.index {
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			if _, clash := b.index[dir]; clash {
				return nil, fmt.Errorf("publish: %q is both a file and a directory", dir)
			}
		}
	}

	raw, err := json.Marshal(b.index)
	if err != nil {
		return nil, fmt.Errorf("marshal index: %w", err)
	}
	b.indexDigest = digestOf(raw)
	b.blobs[b.indexDigest] = raw
	return b, nil
}

func cleanPublishPath(p string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(p)), "/")
	if clean == "" || clean != strings.Trim(p, "/") {
		return "", fmt.Errorf("publish: invalid path %q", p)
	}
	return clean, nil
}

// layers encodes the blobs into layer payloads.
func (b *bundle) layers() [][]byte {
	shards := make(map[string][]string)
	sizes := make(map[string]int64)
	for d, data := range b.blobs {
		s := shardOf(d)
		shards[s] = append(shards[s], d)
		sizes[s] += int64(len(data))
	}

	var payloads [][]byte
	for _, group := range planShards(sizes) {
		var digests []string
		for _, s := range group {
			digests = append(digests, shards[s]...)
		}
		payloads = append(payloads, b.encode(digests))
	}
	return payloads
}

// encode writes the records of digests in digest order.
func (b *bundle) encode(digests []string) []byte {
	slices.Sort(digests)

	var size int
	for _, d := range digests {
		size += recordHead + len(b.blobs[d])
	}
	out := make([]byte, 0, size)
	for _, d := range digests {
		data := b.blobs[d]
		var field [digestField]byte
		copy(field[:], d)
		out = append(out, field[:]...)
		out = binary.BigEndian.AppendUint64(out, uint64(len(data)))
		out = append(out, data...)
	}
	return out
}

// shardOf returns the first byte of a digest in hex.
func shardOf(digest string) string {
	hexPart := strings.TrimPrefix(digest, "sha256:")
	if len(hexPart) < 2 {
		return "00"
	}
	return hexPart[:2]
}

// planShards groups shards, in order, into layers of about layerTarget
// bytes. A small layer may take one more shard as long as it stays under
// twice the target.
func planShards(sizes map[string]int64) [][]string {
	shards := make([]string, 0, len(sizes))
	for s := range sizes {
		shards = append(shards, s)
	}
	slices.Sort(shards)

	var (
		plan [][]string
		cur  []string
		size int64
	)
	for _, s := range shards {
		n := sizes[s]
		if len(cur) > 0 {
			grown := size + n
			fits := grown <= layerTarget || (size < layerFloor && grown <= 2*layerTarget)
			if !fits {
				plan = append(plan, cur)
				cur, size = nil, 0
			}
		}
		cur = append(cur, s)
		size += n
	}
	if len(cur) > 0 {
		plan = append(plan, cur)
	}
	return plan
}

// decodeLayer reads the records of one layer payload into dst. Blob data
// aliases payload.
func decodeLayer(payload []byte, dst map[string][]byte) error {
	for rest := payload; len(rest) > 0; {
		if len(rest) < recordHead {
			return fmt.Errorf("record header truncated at offset %d", len(payload)-len(rest))
		}
		digest := string(bytes.TrimRight(rest[:digestField], "\x00"))
		n := binary.BigEndian.Uint64(rest[digestField:recordHead])
		rest = rest[recordHead:]
		if n > uint64(len(rest)) {
			return fmt.Errorf("blob %s: length %d exceeds layer", digest, n)
		}
		dst[digest] = rest[:n:n]
		rest = rest[n:]
	}
	return nil
}

// openSnapshot builds a snapshot from the blobs of a content root.
func openSnapshot(indexDigest string, blobs map[string][]byte) (*snapshot, error) {
	raw, ok := blobs[indexDigest]
	if !ok {
		return nil, fmt.Errorf("index blob %s missing", indexDigest)
	}
	var index map[string]string
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	for p, d := range index {
		if _, ok := blobs[d]; !ok {
			return nil, fmt.Errorf("blob %s of %q missing", d, p)
		}
	}
	return &snapshot{index: index, objects: blobs}, nil
}
