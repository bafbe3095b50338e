package session

import "errors"

// errAudioTooLarge is reported when a synthesis stream exceeds the response
// cap. The accumulated bytes are discarded; no partial audio is ever sent.
var errAudioTooLarge = errors.New("audio response too large")

// boundedBuffer accumulates stream chunks up to a fixed capacity and fails
// fast on overflow instead of growing.
type boundedBuffer struct {
	limit int64
	buf   []byte
}

func newBoundedBuffer(limit int64) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if int64(len(b.buf))+int64(len(p)) > b.limit {
		b.buf = nil
		return 0, errAudioTooLarge
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	return b.buf
}

func (b *boundedBuffer) Len() int {
	return len(b.buf)
}
