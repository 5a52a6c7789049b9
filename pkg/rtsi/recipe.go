package rtsi

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// ElementType is the on-wire type name negotiated during recipe setup.
type ElementType string

const (
	TypeBool         ElementType = "BOOL"
	TypeUint8        ElementType = "UINT8"
	TypeInt8         ElementType = "INT8"
	TypeUint16       ElementType = "UINT16"
	TypeInt16        ElementType = "INT16"
	TypeInt32        ElementType = "INT32"
	TypeUint32       ElementType = "UINT32"
	TypeInt64        ElementType = "INT64"
	TypeUint64       ElementType = "UINT64"
	TypeDouble       ElementType = "DOUBLE"
	TypeVector3D     ElementType = "VECTOR3D"
	TypeVector6D     ElementType = "VECTOR6D"
	TypeVector6Int32 ElementType = "VECTOR6INT32"
	TypeVector6Uint32 ElementType = "VECTOR6UINT32"
)

var elementWidths = map[ElementType]int{
	TypeBool:          1,
	TypeUint8:         1,
	TypeInt8:          1,
	TypeUint16:        2,
	TypeInt16:         2,
	TypeInt32:         4,
	TypeUint32:        4,
	TypeInt64:         8,
	TypeUint64:        8,
	TypeDouble:        8,
	TypeVector3D:      24,
	TypeVector6D:      48,
	TypeVector6Int32:  24,
	TypeVector6Uint32: 24,
}

// Recipe is a named, ordered set of typed fields subscribed via
// SetupOutputs/SetupInputs and exchanged in DATA_PACKAGE frames.
type Recipe struct {
	mu     sync.Mutex
	id     byte
	names  []string
	types  []ElementType
	values map[string]any
	dirty  bool
}

func newRecipe(id byte, names []string, types []ElementType) *Recipe {
	return &Recipe{
		id:     id,
		names:  append([]string(nil), names...),
		types:  append([]ElementType(nil), types...),
		values: make(map[string]any, len(names)),
	}
}

// ID returns the recipe id assigned by the controller during setup.
func (r *Recipe) ID() byte { return r.id }

// Names returns the recipe's fields in wire order.
func (r *Recipe) Names() []string {
	return append([]string(nil), r.names...)
}

// Get returns the last decoded (or set) value of name.
func (r *Recipe) Get(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[name]
	return v, ok
}

// Set stores a value to be written on the next encode and marks the recipe
// dirty so an IOInterface poll loop knows to flush it.
func (r *Recipe) Set(name string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, n := range r.names {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %q is not in this recipe", ErrIllegalParam, name)
	}
	r.values[name] = value
	r.dirty = true
	return nil
}

// ConsumeDirty reports whether the recipe has pending writes and clears the
// flag atomically.
func (r *Recipe) ConsumeDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.dirty
	r.dirty = false
	return was
}

func (r *Recipe) encode() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []byte{r.id}
	for i, name := range r.names {
		enc, err := encodeElement(r.types[i], r.values[name])
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrRtsiRecipeParseFail, name, err)
		}
		out = append(out, enc...)
	}
	return out, nil
}

func (r *Recipe) decode(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(payload) < 1 || payload[0] != r.id {
		return fmt.Errorf("%w: recipe id mismatch", ErrRtsiRecipeParseFail)
	}
	cursor := 1
	for i, name := range r.names {
		width := elementWidths[r.types[i]]
		if cursor+width > len(payload) {
			return fmt.Errorf("%w: truncated payload for field %q", ErrRtsiRecipeParseFail, name)
		}
		v, err := decodeElement(r.types[i], payload[cursor:cursor+width])
		if err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrRtsiRecipeParseFail, name, err)
		}
		r.values[name] = v
		cursor += width
	}
	return nil
}

func encodeElement(t ElementType, v any) ([]byte, error) {
	switch t {
	case TypeBool:
		b, _ := v.(bool)
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeUint8:
		u, _ := v.(uint8)
		return []byte{u}, nil
	case TypeInt8:
		i, _ := v.(int8)
		return []byte{byte(i)}, nil
	case TypeUint16:
		u, _ := v.(uint16)
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, u)
		return out, nil
	case TypeInt16:
		i, _ := v.(int16)
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(i))
		return out, nil
	case TypeInt32:
		i, _ := v.(int32)
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(i))
		return out, nil
	case TypeUint32:
		u, _ := v.(uint32)
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, u)
		return out, nil
	case TypeInt64:
		i, _ := v.(int64)
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, uint64(i))
		return out, nil
	case TypeUint64:
		u, _ := v.(uint64)
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, u)
		return out, nil
	case TypeDouble:
		f, _ := v.(float64)
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, math.Float64bits(f))
		return out, nil
	case TypeVector3D:
		vec, _ := v.([3]float64)
		out := make([]byte, 24)
		for i, f := range vec {
			binary.BigEndian.PutUint64(out[i*8:], math.Float64bits(f))
		}
		return out, nil
	case TypeVector6D:
		vec, _ := v.([6]float64)
		out := make([]byte, 48)
		for i, f := range vec {
			binary.BigEndian.PutUint64(out[i*8:], math.Float64bits(f))
		}
		return out, nil
	case TypeVector6Int32:
		vec, _ := v.([6]int32)
		out := make([]byte, 24)
		for i, n := range vec {
			binary.BigEndian.PutUint32(out[i*4:], uint32(n))
		}
		return out, nil
	case TypeVector6Uint32:
		vec, _ := v.([6]uint32)
		out := make([]byte, 24)
		for i, n := range vec {
			binary.BigEndian.PutUint32(out[i*4:], n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown element type %q", t)
	}
}

func decodeElement(t ElementType, b []byte) (any, error) {
	switch t {
	case TypeBool:
		return b[0] != 0, nil
	case TypeUint8:
		return b[0], nil
	case TypeInt8:
		return int8(b[0]), nil
	case TypeUint16:
		return binary.BigEndian.Uint16(b), nil
	case TypeInt16:
		return int16(binary.BigEndian.Uint16(b)), nil
	case TypeInt32:
		return int32(binary.BigEndian.Uint32(b)), nil
	case TypeUint32:
		return binary.BigEndian.Uint32(b), nil
	case TypeInt64:
		return int64(binary.BigEndian.Uint64(b)), nil
	case TypeUint64:
		return binary.BigEndian.Uint64(b), nil
	case TypeDouble:
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case TypeVector3D:
		var vec [3]float64
		for i := range vec {
			vec[i] = math.Float64frombits(binary.BigEndian.Uint64(b[i*8:]))
		}
		return vec, nil
	case TypeVector6D:
		var vec [6]float64
		for i := range vec {
			vec[i] = math.Float64frombits(binary.BigEndian.Uint64(b[i*8:]))
		}
		return vec, nil
	case TypeVector6Int32:
		var vec [6]int32
		for i := range vec {
			vec[i] = int32(binary.BigEndian.Uint32(b[i*4:]))
		}
		return vec, nil
	case TypeVector6Uint32:
		var vec [6]uint32
		for i := range vec {
			vec[i] = binary.BigEndian.Uint32(b[i*4:])
		}
		return vec, nil
	default:
		return nil, fmt.Errorf("unknown element type %q", t)
	}
}
