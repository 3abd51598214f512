package wire

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame pairs a verb with its JSON-encoded argument payload. This is the Go
// analogue of the reference implementation's pickled [verb, *args] tuples
// (slave_driver.py, file_juggler.py's recv_json/send_json), chosen so every
// verb's payload has a concrete, schema-checked Go type instead of an untyped
// tuple. transport.Channel does not encode a Frame as such: it sends the verb
// and the payload as two separate message frames.
type Frame struct {
	Verb string          `json:"verb"`
	Args jsoniter.RawMessage `json:"args,omitempty"`
}

// EncodeArgs marshals args (which may be nil) to a raw JSON payload.
func EncodeArgs(args interface{}) (jsoniter.RawMessage, error) {
	if args == nil {
		return nil, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return jsoniter.RawMessage(b), nil
}

// DecodeArgs unmarshals raw into dst. A nil dst or empty raw is a no-op,
// matching verbs that carry no payload (e.g. BYE, CONT).
func DecodeArgs(raw jsoniter.RawMessage, dst interface{}) error {
	if dst == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
