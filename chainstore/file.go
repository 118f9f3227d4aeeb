package chainstore

import "bytes"

// fixedWriter accumulates serialized bytes without the allocation churn of
// bytes.Buffer for the small, fixed-size structures (block headers, filter
// header commitments) this package serializes in bulk during IBD. Compare
// neutrino/headerfs/file.go's use of a preallocated buffer around the same
// wire.BlockHeader.Serialize call.
type fixedWriter struct {
	buf []byte
}

func (w *fixedWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
