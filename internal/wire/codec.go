package wire

import jsoniter "github.com/json-iterator/go"

// json is configured for compatibility with encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes a frame for transmission on the control channel.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a frame received on the control channel.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
