package codec

// A Decoder wraps raw encoded data and decodes it on demand into a
// value supplied by the caller.
type Decoder interface {
	// Decode unmarshals the wrapped data into to, which must be a
	// pointer of a type the backing codec understands.
	Decode(to interface{}) error

	// Bytes returns the wrapped data untouched.
	Bytes() []byte
}

// Int64Decoder wraps data in a Decoder backed by the Int64 codec.
func Int64Decoder(data []byte) Decoder {
	return &decoder{
		data:  data,
		codec: Int64(),
	}
}

// Float64Decoder wraps data in a Decoder backed by the Float64 codec.
func Float64Decoder(data []byte) Decoder {
	return &decoder{
		data:  data,
		codec: Float64(),
	}
}

// StringDecoder wraps data in a Decoder backed by the String codec.
func StringDecoder(data []byte) Decoder {
	return &decoder{
		data:  data,
		codec: String(),
	}
}

// JSONDecoder wraps data in a Decoder backed by the JSON codec.
func JSONDecoder(data []byte) Decoder {
	return &decoder{
		data:  data,
		codec: JSON(),
	}
}

type decoder struct {
	data  []byte
	codec Codec
}

func (d *decoder) Decode(to interface{}) error {
	return d.codec.Decode(d.data, to)
}

func (d *decoder) Bytes() []byte {
	return d.data
}
