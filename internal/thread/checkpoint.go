package thread

import (
	"encoding/json"
	"fmt"
)

// checkpointVersion is the current envelope schema version. Blobs written
// by a newer schema are rejected rather than partially decoded.
const checkpointVersion = 1

// Serializer converts a thread's ordered turn history to and from the
// opaque blob handed to the storage backend. Implementations must
// round-trip exactly: order, role, content, sequence numbers and
// timestamps all survive a serialize/deserialize cycle.
type Serializer interface {
	Serialize(turns []Turn) ([]byte, error)
	Deserialize(blob []byte) ([]Turn, error)
}

// checkpointEnvelope versions the stored turn list so future schema
// changes stay detectable.
type checkpointEnvelope struct {
	Version int    `json:"version"`
	Turns   []Turn `json:"turns"`
}

// JSONSerializer stores the history as a versioned JSON envelope.
type JSONSerializer struct{}

func NewJSONSerializer() *JSONSerializer { return &JSONSerializer{} }

func (s *JSONSerializer) Serialize(turns []Turn) ([]byte, error) {
	if turns == nil {
		turns = []Turn{}
	}
	blob, err := json.Marshal(checkpointEnvelope{Version: checkpointVersion, Turns: turns})
	if err != nil {
		return nil, fmt.Errorf("serialize checkpoint: %w", err)
	}
	return blob, nil
}

// Deserialize decodes a checkpoint blob. An empty blob is a valid empty
// history; anything undecodable or written by an unknown schema version is
// ErrCorruptCheckpoint.
func (s *JSONSerializer) Deserialize(blob []byte) ([]Turn, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var env checkpointEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	if env.Version != checkpointVersion {
		return nil, fmt.Errorf("%w: unsupported checkpoint version %d", ErrCorruptCheckpoint, env.Version)
	}
	return env.Turns, nil
}
