package cache

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/miguel-b-p/metabridge/common/protocol"
)

//	CanonicalKey renders constructor arguments into a deterministic string:
//	the positional tuple as-is, then the keyword set as (key, value) pairs in
//	ascending key order. Two argument sets are the same cache entry iff their
//	canonical forms are equal. Values the wire encoding cannot represent are
//	an ArgError.
func CanonicalKey(args []interface{}, kwargs map[string]interface{}) (key string, err error) {
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)

	if err = encoder.Encode(args); err != nil {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR, "constructor arguments are not encodable: %s", err.Error())
		return
	}

	names := make([]string, 0, len(kwargs))
	for name := range kwargs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pair := [2]interface{}{name, kwargs[name]}
		if err = encoder.Encode(pair); err != nil {
			err = protocol.Errorf(protocol.TAG_ARG_ERROR, "constructor keyword '%s' is not encodable: %s", name, err.Error())
			return
		}
	}

	key = buffer.String()
	return
}
