package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

//	Every message on the wire is a 4-byte big-endian length followed by
//	that many payload bytes. Framing is independent of the payload encoding.
const FRAME_HEADER_LENGTH = 4

//	Messages above this size indicate a broken or hostile peer; the
//	connection is closed rather than buffering the payload.
const MAX_MESSAGE_LENGTH = 64 << 20

var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MAX_MESSAGE_LENGTH)

func WriteFrame(w io.Writer, payload []byte) (err error) {
	if len(payload) > MAX_MESSAGE_LENGTH {
		err = ErrFrameTooLarge
		return
	}
	var header [FRAME_HEADER_LENGTH]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err = w.Write(header[:]); err != nil {
		return
	}
	_, err = w.Write(payload)
	return
}

func ReadFrame(r io.Reader) (payload []byte, err error) {
	var header [FRAME_HEADER_LENGTH]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MAX_MESSAGE_LENGTH {
		err = ErrFrameTooLarge
		return
	}
	payload = make([]byte, length)
	_, err = io.ReadFull(r, payload)
	return
}
