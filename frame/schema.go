package frame

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
)

// Schema returns the JSON Schema document describing Frame.
func Schema() []byte {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		s := r.Reflect(new(Frame))
		s.Title = "Frame"
		b, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			b = []byte(`{}`)
		}
		schemaJSON = b
	})
	return schemaJSON
}
