package mailbox

import "encoding/json"

// mergeJSON deep-merges patch into base. Nested objects merge recursively;
// every other value in patch replaces the one in base.
func mergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	if len(base) == 0 {
		return patch, nil
	}
	var dst, src map[string]any
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, &src); err != nil {
		return nil, err
	}
	if dst == nil {
		dst = map[string]any{}
	}
	mergeMaps(dst, src)
	return json.Marshal(dst)
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		srcMap, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		dstMap, ok := dst[k].(map[string]any)
		if !ok {
			dst[k] = srcMap
			continue
		}
		mergeMaps(dstMap, srcMap)
	}
}
