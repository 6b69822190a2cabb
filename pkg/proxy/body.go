package proxy

import "bytes"

func newBodyReader(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}
