package memo

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/mitchellh/hashstructure"

	"github.com/tjdasso/dfk/internal/future"
	"github.com/tjdasso/dfk/internal/task"
)

// reservedKwargs are excluded from fingerprints: output declarations and
// stream redirection do not affect the computed value.
var reservedKwargs = map[string]bool{
	"outputs": true,
	"stdout":  true,
	"stderr":  true,
}

// Fingerprint derives the deterministic memo key for a record whose
// arguments have been resolved. Futures and reserved kwargs are ignored;
// everything else participates via hashstructure.
//
// The field layout is length-prefixed sha256, so no two distinct field
// sequences can collide by concatenation.
func Fingerprint(rec *task.Record) (string, error) {
	h := sha256.New()
	writeField := func(data []byte) {
		var len8 [8]byte
		binary.BigEndian.PutUint64(len8[:], uint64(len(data)))
		h.Write(len8[:])
		h.Write(data)
	}

	writeField([]byte(rec.FuncName))
	writeField([]byte(rec.FnHash))

	for _, arg := range rec.Args {
		hv, err := hashValue(arg)
		if err != nil {
			return "", fmt.Errorf("fingerprinting positional arg: %w", err)
		}
		writeField(hv)
	}

	keys := make([]string, 0, len(rec.Kwargs))
	for k := range rec.Kwargs {
		if reservedKwargs[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField([]byte(k))
		hv, err := hashValue(rec.Kwargs[k])
		if err != nil {
			return "", fmt.Errorf("fingerprinting kwarg %q: %w", k, err)
		}
		writeField(hv)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashValue hashes one resolved argument. Inputs lists may still hold
// file handles; futures are skipped per the documented boundary.
func hashValue(v any) ([]byte, error) {
	switch tv := v.(type) {
	case nil:
		return []byte("nil"), nil
	case future.Waitable:
		return []byte("future"), nil
	case future.FileRef:
		return []byte("file:" + tv.String()), nil
	case []any:
		h := sha256.New()
		for _, item := range tv {
			hv, err := hashValue(item)
			if err != nil {
				return nil, err
			}
			var len8 [8]byte
			binary.BigEndian.PutUint64(len8[:], uint64(len(hv)))
			h.Write(len8[:])
			h.Write(hv)
		}
		return h.Sum(nil), nil
	default:
		hv, err := hashstructure.Hash(v, nil)
		if err != nil {
			return nil, err
		}
		var out [8]byte
		binary.BigEndian.PutUint64(out[:], hv)
		return out[:], nil
	}
}
