package jsondb

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

type row struct {
	path  string
	value []byte
}

// assemble builds the JSON object rooted at parent from rows, which must all lie below parent.
func assemble(parent string, rows []row) ([]byte, error) {
	from, _ := childRange(parent)
	root := map[string]interface{}{}
	for _, r := range rows {
		keys := strings.Split(strings.TrimPrefix(r.path, from), "/")
		node := root
		for _, key := range keys[:len(keys)-1] {
			child, ok := node[key].(map[string]interface{})
			if !ok {
				child = map[string]interface{}{}
				node[key] = child
			}
			node = child
		}
		leaf := keys[len(keys)-1]
		if _, isParent := node[leaf].(map[string]interface{}); isParent {
			continue
		}
		node[leaf] = json.RawMessage(r.value)
	}
	b, err := json.Marshal(root)
	return b, errors.WithStack(err)
}
