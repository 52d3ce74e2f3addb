package utils

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// SafeJSONParse parses JSON safely
func SafeJSONParse(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// EncodeFrame marshals a websocket payload. Writing is left to the
// connection's write pump since fiber websocket conns are not safe for
// concurrent writes.
func EncodeFrame(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}

// LogError logs an error if it's not nil
func LogError(err error, context string) {
	if err != nil {
		log.Error().Err(err).Str("context", context).Msg("operation failed")
	}
}
