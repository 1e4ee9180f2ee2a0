// LZ4 is the default, always-built codec: frame format via pierrec/lz4/v4,
// the same library the spec calls out for directory-entry map compression.
package codec

import (
	"bytes"

	"github.com/pierrec/lz4/v4"
)

func lz4Compress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func lz4Decompress(buf []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(buf))
	return drain(r)
}

func init() {
	Register(LZ4, &Codec{Compress: lz4Compress, Decompress: lz4Decompress})
}
