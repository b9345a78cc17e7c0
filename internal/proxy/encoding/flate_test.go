package encoding

import (
	"io"

	"github.com/klauspost/compress/flate"
)

func newRawFlate(w io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(w, flate.DefaultCompression)
}
