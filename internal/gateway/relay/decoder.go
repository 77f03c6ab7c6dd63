package relay

import (
	"bytes"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// utf8Decoder turns arbitrarily split byte chunks into valid UTF-8 text.
// Incomplete trailing sequences are held until the next chunk completes them.
type utf8Decoder struct {
	out bytes.Buffer
	w   *transform.Writer
}

func newUTF8Decoder() *utf8Decoder {
	d := &utf8Decoder{}
	d.w = transform.NewWriter(&d.out, unicode.UTF8.NewDecoder())
	return d
}

// Decode returns every complete character available so far
func (d *utf8Decoder) Decode(p []byte) string {
	_, _ = d.w.Write(p)
	return d.take()
}

// Flush returns held bytes at end of stream, replacing an incomplete
// sequence with U+FFFD
func (d *utf8Decoder) Flush() string {
	_ = d.w.Close()
	return d.take()
}

func (d *utf8Decoder) take() string {
	s := d.out.String()
	d.out.Reset()
	return s
}
