package microbus

import "fmt"

// Decode unmarshals an envelope body into T using the provided codec.
func Decode[T any](c Codec, env *Envelope) (T, error) {
	var v T
	if err := c.Unmarshal(env.Body, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", TypeName[T](), err)
	}
	return v, nil
}

// decoderFor returns the wire decoder recorded for T in the known event types.
func decoderFor[T Event](c Codec) func([]byte) (Event, error) {
	return func(data []byte) (Event, error) {
		var v T
		if err := c.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", TypeName[T](), err)
		}
		return v, nil
	}
}
