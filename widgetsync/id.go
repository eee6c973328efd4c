package widgetsync

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// prefix marking a state value as a weak reference to another model
const ModelRefPrefix = "IPY_MODEL_"

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// FormatModelRef renders a model id as a reference state value.
func FormatModelRef(modelId string) string {
	return ModelRefPrefix + modelId
}

// ParseModelRef extracts the model id from a reference state value.
// The referenced model may not exist in the store, or may never exist.
// Resolution is always an explicit store lookup by the caller.
func ParseModelRef(value any) (string, bool) {
	s, ok := value.(string)
	if !ok {
		return "", false
	}
	if !strings.HasPrefix(s, ModelRefPrefix) {
		return "", false
	}
	return s[len(ModelRefPrefix):], true
}
