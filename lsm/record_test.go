package lsm

import (
	"bytes"
	"io"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	cases := []record{
		{Key: []byte("key1"), Value: []byte("value1"), Tag: tagLive},
		{Key: []byte(""), Value: []byte(""), Tag: tagLive},
		{Key: []byte("k"), Value: nil, Tag: tagDead},
		{Key: []byte(""), Value: nil, Tag: tagDead},
		{Key: bytes.Repeat([]byte{0x00, 0xff}, 64), Value: bytes.Repeat([]byte("x"), 1000), Tag: tagLive},
	}

	for i, want := range cases {
		var buf bytes.Buffer
		if err := writeRecord(&buf, want); err != nil {
			t.Fatalf("case %d: writeRecord failed: %v", i, err)
		}

		got, err := readRecord(&buf)
		if err != nil {
			t.Fatalf("case %d: readRecord failed: %v", i, err)
		}
		if !bytes.Equal(got.Key, want.Key) {
			t.Fatalf("case %d: key mismatch: got %q, want %q", i, got.Key, want.Key)
		}
		if want.Tag == tagDead {
			if len(got.Value) != 0 {
				t.Fatalf("case %d: dead record carried a value: %q", i, got.Value)
			}
		} else if !bytes.Equal(got.Value, want.Value) {
			t.Fatalf("case %d: value mismatch: got %q, want %q", i, got.Value, want.Value)
		}
		if got.Tag != want.Tag {
			t.Fatalf("case %d: tag mismatch: got %v, want %v", i, got.Tag, want.Tag)
		}
		if got.deleted() != (want.Tag == tagDead) {
			t.Fatalf("case %d: deleted() mismatch", i)
		}
	}
}

func TestRecordMultipleRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := []record{
		{Key: []byte("a"), Value: []byte("1"), Tag: tagLive},
		{Key: []byte("b"), Value: nil, Tag: tagDead},
		{Key: []byte("c"), Value: []byte("3"), Tag: tagLive},
	}
	for _, r := range want {
		if err := writeRecord(&buf, r); err != nil {
			t.Fatalf("writeRecord failed: %v", err)
		}
	}

	for i, w := range want {
		got, err := readRecord(&buf)
		if err != nil {
			t.Fatalf("record %d: readRecord failed: %v", i, err)
		}
		if !bytes.Equal(got.Key, w.Key) || got.Tag != w.Tag {
			t.Fatalf("record %d: got %+v, want %+v", i, got, w)
		}
	}

	if _, err := readRecord(&buf); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReadRecordEmptyReaderIsEOF(t *testing.T) {
	if _, err := readRecord(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("expected io.EOF on an empty reader, got %v", err)
	}
}

func TestSkipRecordValueMatchesReadRecordKey(t *testing.T) {
	want := record{Key: []byte("some-key"), Value: []byte("some-value-bytes"), Tag: tagLive}

	var buf bytes.Buffer
	if err := writeRecord(&buf, want); err != nil {
		t.Fatalf("writeRecord failed: %v", err)
	}

	r := bytes.NewReader(buf.Bytes())
	key, tag, err := skipRecordValue(r)
	if err != nil {
		t.Fatalf("skipRecordValue failed: %v", err)
	}
	if !bytes.Equal(key, want.Key) {
		t.Fatalf("key mismatch: got %q, want %q", key, want.Key)
	}
	if tag != want.Tag {
		t.Fatalf("tag mismatch: got %v, want %v", tag, want.Tag)
	}

	if _, err := r.Seek(0, io.SeekCurrent); err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected skipRecordValue to consume the whole record, %d bytes left", r.Len())
	}
}

func TestSkipRecordValueEOF(t *testing.T) {
	if _, _, err := skipRecordValue(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("expected io.EOF on an empty reader, got %v", err)
	}
}

func TestEncodedSizeMatchesWrittenBytes(t *testing.T) {
	r := record{Key: []byte("abcdef"), Value: []byte("0123456789"), Tag: tagLive}

	var buf bytes.Buffer
	if err := writeRecord(&buf, r); err != nil {
		t.Fatalf("writeRecord failed: %v", err)
	}
	if buf.Len() != r.encodedSize() {
		t.Fatalf("encodedSize() = %d, actual encoding wrote %d bytes", r.encodedSize(), buf.Len())
	}
}
