package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte{},
		[]byte("x"),
		bytes.Repeat([]byte("metabridge"), 1000),
	}
	for _, payload := range payloads {
		var buffer bytes.Buffer
		if err := WriteFrame(&buffer, payload); err != nil {
			t.Fatal(err)
		}
		read, err := ReadFrame(&buffer)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(read, payload) {
			t.Fatal("payload corrupted in transit")
		}
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buffer bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MAX_MESSAGE_LENGTH+1)
	buffer.Write(header[:])
	if _, err := ReadFrame(&buffer); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameShortPayload(t *testing.T) {
	var buffer bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 10)
	buffer.Write(header[:])
	buffer.Write([]byte("abc"))
	if _, err := ReadFrame(&buffer); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	request := Request{
		Type:       REQUEST_CALL,
		Endpoint:   "soma",
		Args:       []interface{}{float64(10), float64(20)},
		CtorKwargs: map[string]interface{}{"argumento": "Olá,"},
	}
	if err := WriteRequest(&buffer, &request); err != nil {
		t.Fatal(err)
	}
	decoded, err := ReadRequest(&buffer)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != REQUEST_CALL || decoded.Endpoint != "soma" {
		t.Fatal("request fields lost")
	}
	if len(decoded.Args) != 2 || decoded.Args[0] != float64(10) {
		t.Fatal("args lost")
	}
	if decoded.CtorKwargs["argumento"] != "Olá," {
		t.Fatal("ctor kwargs lost")
	}
}

func TestErrorDetail(t *testing.T) {
	err := Errorf(TAG_NOT_FOUND, "endpoint '%s' not found", "nope")
	if TagOf(err) != TAG_NOT_FOUND {
		t.Fatal("tag lost")
	}
	tag, message := DetailOf(err)
	if tag != TAG_NOT_FOUND || message != "endpoint 'nope' not found" {
		t.Fatal("detail lost")
	}
	if tag, _ := DetailOf(io.EOF); tag != TAG_REMOTE_EXECUTION_ERROR {
		t.Fatal("untagged errors should map to RemoteExecutionError")
	}
}
