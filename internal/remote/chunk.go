package remote

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

const (
	LayerMinSize = 2 * 1024 * 1024  // 2MB minimum before combining
	LayerSoftMax = 10 * 1024 * 1024 // 10MB soft maximum
)

// GroupByPrefix buckets objects by the first two characters of their key.
func GroupByPrefix(objects map[string][]byte) map[string]map[string][]byte {
	result := make(map[string]map[string][]byte)
	for key, data := range objects {
		prefix := extractPrefix(key)
		if result[prefix] == nil {
			result[prefix] = make(map[string][]byte)
		}
		result[prefix][key] = data
	}
	return result
}

func extractPrefix(key string) string {
	if len(key) >= 2 {
		return key[:2]
	}
	return "00"
}

func PrefixSize(blobs map[string][]byte) int64 {
	var total int64
	for _, data := range blobs {
		total += int64(len(data))
	}
	return total
}

// PackLayer serializes blobs as [key length 2B][key][data length 8B][data]...
// in key order, so identical input always packs to identical bytes.
func PackLayer(blobs map[string][]byte) ([]byte, error) {
	keys := make([]string, 0, len(blobs))
	for k := range blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var hdr [8]byte
	for _, key := range keys {
		if len(key) == 0 || len(key) > math.MaxUint16 {
			return nil, fmt.Errorf("pack: invalid key length %d", len(key))
		}
		binary.BigEndian.PutUint16(hdr[:2], uint16(len(key)))
		buf.Write(hdr[:2])
		buf.WriteString(key)

		data := blobs[key]
		binary.BigEndian.PutUint64(hdr[:], uint64(len(data)))
		buf.Write(hdr[:])
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// UnpackLayer reverses PackLayer. Truncated input is an error.
func UnpackLayer(r io.Reader) (map[string][]byte, error) {
	br := bufio.NewReader(r)
	result := make(map[string][]byte)
	var hdr [8]byte

	for {
		if _, err := io.ReadFull(br, hdr[:2]); err != nil {
			if errors.Is(err, io.EOF) {
				return result, nil
			}
			return nil, fmt.Errorf("unpack: read key length: %w", err)
		}
		key := make([]byte, binary.BigEndian.Uint16(hdr[:2]))
		if _, err := io.ReadFull(br, key); err != nil {
			return nil, fmt.Errorf("unpack: read key: %w", err)
		}

		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return nil, fmt.Errorf("unpack: read length: %w", err)
		}
		length := binary.BigEndian.Uint64(hdr[:])
		if length > math.MaxInt64 {
			return nil, fmt.Errorf("unpack: %s: length %d out of range", key, length)
		}

		var data bytes.Buffer
		n, err := io.CopyN(&data, br, int64(length))
		if err != nil {
			return nil, fmt.Errorf("unpack: read %s: got %d of %d bytes: %w", key, n, length, err)
		}
		result[string(key)] = data.Bytes()
	}
}

// BuildLayerPlan groups sorted prefixes into layers of roughly LayerSoftMax
// bytes. Small trailing groups may grow to twice the soft maximum rather than
// produce a tiny layer.
func BuildLayerPlan(prefixSizes map[string]int64) [][]string {
	prefixes := make([]string, 0, len(prefixSizes))
	for p := range prefixSizes {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	var layers [][]string
	var current []string
	var size int64

	for _, prefix := range prefixes {
		prefixSize := prefixSizes[prefix]

		if len(current) == 0 {
			current = append(current, prefix)
			size = prefixSize
			continue
		}

		newSize := size + prefixSize
		switch {
		case newSize <= LayerSoftMax:
			current = append(current, prefix)
			size = newSize
		case size < LayerMinSize && newSize <= 2*LayerSoftMax:
			current = append(current, prefix)
			size = newSize
		default:
			layers = append(layers, current)
			current = []string{prefix}
			size = prefixSize
		}
	}

	if len(current) > 0 {
		layers = append(layers, current)
	}
	return layers
}

func CollectPrefixBlobs(prefixes []string, byPrefix map[string]map[string][]byte) map[string][]byte {
	result := make(map[string][]byte)
	for _, prefix := range prefixes {
		for key, data := range byPrefix[prefix] {
			result[key] = data
		}
	}
	return result
}

func CalculatePrefixSizes(byPrefix map[string]map[string][]byte) map[string]int64 {
	result := make(map[string]int64, len(byPrefix))
	for prefix, blobs := range byPrefix {
		result[prefix] = PrefixSize(blobs)
	}
	return result
}
