package connection

import (
	"encoding/binary"
	"encoding/json"
	"os"

	"github.com/armorclaw/matrixsdk/pkg/securerandom"
)

// decodeRawJSON unmarshals raw into dest, treating an empty/absent payload
// as a no-op rather than an error.
func decodeRawJSON(raw json.RawMessage, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

// peekType extracts the "type" field of an event envelope without
// decoding the rest of it, so dispatch can pick the right metatype.
func peekType(raw json.RawMessage) string {
	var t struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &t)
	return t.Type
}

// processEpoch seeds GenerateTxnId's per-process salt without reading the
// wall clock, so restarts with a slow or skewed clock still mint distinct
// transaction IDs from the prior run.
func processEpoch() int64 {
	b, err := securerandom.Bytes(8)
	if err != nil {
		return int64(os.Getpid())
	}
	return int64(binary.BigEndian.Uint64(b))
}
