package microbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Codec turns events into message bodies and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
	ContentType() string
}

// ErrUnknownCodec is returned by NewCodec for names nobody registered.
var ErrUnknownCodec = errors.New("microbus: unknown codec")

// JSONCodec writes events as UTF-8 JSON text using their exported fields.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal rejects trailing data after the first JSON value.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("json: trailing data after event payload")
	}
	return nil
}

func (JSONCodec) Name() string        { return "json" }
func (JSONCodec) ContentType() string { return "application/json" }

// CodecFactory builds a Codec for WithCodec.
type CodecFactory func() Codec

var (
	codecsMu sync.RWMutex
	codecs   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec makes a codec available to BusBuilder.WithCodec under name.
// Registering an existing name replaces it.
func RegisterCodec(name string, factory CodecFactory) error {
	switch {
	case name == "":
		return errors.New("microbus: codec name is empty")
	case factory == nil:
		return fmt.Errorf("microbus: codec %q has nil factory", name)
	}
	codecsMu.Lock()
	codecs[name] = factory
	codecsMu.Unlock()
	return nil
}

// NewCodec builds the codec registered under name.
func NewCodec(name string) (Codec, error) {
	codecsMu.RLock()
	factory, ok := codecs[name]
	codecsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return factory(), nil
}

// Codecs lists the registered codec names in sorted order.
func Codecs() []string {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	names := make([]string, 0, len(codecs))
	for n := range codecs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
