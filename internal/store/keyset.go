package store

import (
	"encoding/json"
	"sort"
)

// encodeKeySet serializes a canonical-key set as a sorted JSON array so
// last_in_stock_keys_json round-trips deterministically across restarts.
func encodeKeySet(keys map[string]struct{}) (*string, error) {
	if keys == nil {
		return nil, nil
	}
	list := make([]string, 0, len(keys))
	for k := range keys {
		list = append(list, k)
	}
	sort.Strings(list)
	b, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeKeySet(raw *string) (map[string]struct{}, error) {
	if raw == nil {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(*raw), &list); err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(list))
	for _, k := range list {
		out[k] = struct{}{}
	}
	return out, nil
}
