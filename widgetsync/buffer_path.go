package widgetsync

import (
	"github.com/golang/glog"
)

// Buffer paths address locations inside a JSON object graph where out-of-band
// binary buffers belong. A path list and a buffer list are positionally
// aligned: paths[i] locates buffers[i].

// ApplyBufferPaths re-embeds each buffer at its path, creating intermediate
// objects as needed. `data` is mutated and returned.
func ApplyBufferPaths(data map[string]any, paths [][]string, buffers [][]byte) map[string]any {
	if data == nil {
		data = map[string]any{}
	}
	n := min(len(paths), len(buffers))
	if len(paths) != len(buffers) {
		glog.Infof("[bp]misaligned paths=%d buffers=%d\n", len(paths), len(buffers))
	}
	for i := 0; i < n; i += 1 {
		path := paths[i]
		if len(path) == 0 {
			continue
		}
		obj := data
		for _, key := range path[:len(path)-1] {
			next, ok := obj[key].(map[string]any)
			if !ok {
				next = map[string]any{}
				obj[key] = next
			}
			obj = next
		}
		obj[path[len(path)-1]] = buffers[i]
	}
	return data
}

// ExtractBuffers is the structural inverse of `ApplyBufferPaths`. Each binary
// value found at a path is copied out and replaced in place with nil. A
// missing path or a non-binary value yields a zero-length placeholder so the
// result always has exactly len(paths) entries, preserving positional
// alignment for downstream consumers.
func ExtractBuffers(data map[string]any, paths [][]string) [][]byte {
	buffers := make([][]byte, 0, len(paths))
	for _, path := range paths {
		buffer := []byte{}
		if obj, key, ok := navigate(data, path); ok {
			if b, ok := obj[key].([]byte); ok {
				buffer = b
				obj[key] = nil
			} else {
				glog.V(1).Infof("[bp]non-binary value at %v\n", path)
			}
		} else {
			glog.V(1).Infof("[bp]missing path %v\n", path)
		}
		buffers = append(buffers, buffer)
	}
	return buffers
}

// FindBufferPaths walks object-typed values (not array elements) and collects
// the paths of all binary-typed leaves. Used to auto-detect buffer locations
// before sending data that was not already path-annotated.
func FindBufferPaths(data map[string]any) [][]string {
	paths := [][]string{}
	findBufferPaths(data, nil, &paths)
	return paths
}

func findBufferPaths(data map[string]any, prefix []string, paths *[][]string) {
	for key, value := range data {
		switch v := value.(type) {
		case []byte:
			path := make([]string, 0, len(prefix)+1)
			path = append(path, prefix...)
			path = append(path, key)
			*paths = append(*paths, path)
		case map[string]any:
			findBufferPaths(v, append(prefix, key), paths)
		}
	}
}

func navigate(data map[string]any, path []string) (obj map[string]any, key string, ok bool) {
	if len(path) == 0 {
		return nil, "", false
	}
	obj = data
	for _, key := range path[:len(path)-1] {
		next, isObj := obj[key].(map[string]any)
		if !isObj {
			return nil, "", false
		}
		obj = next
	}
	key = path[len(path)-1]
	if _, present := obj[key]; !present {
		return nil, "", false
	}
	return obj, key, true
}
