package codec

import (
	"encoding/json"
	"testing"

	"backsync/message"
)

func checkEnvelope(t *testing.T, got, want *message.Envelope) {
	t.Helper()
	if got.ID != want.ID {
		t.Errorf("ID mismatch: got %s, want %s", got.ID, want.ID)
	}
	if got.Req != want.Req {
		t.Errorf("Req mismatch: got %s, want %s", got.Req, want.Req)
	}
	if got.Event != want.Event {
		t.Errorf("Event mismatch: got %s, want %s", got.Event, want.Event)
	}
	if string(got.Data) != string(want.Data) {
		t.Errorf("Data mismatch: got %s, want %s", got.Data, want.Data)
	}
	if got.Error != want.Error {
		t.Errorf("Error mismatch: got %s, want %s", got.Error, want.Error)
	}
}

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	original := &message.Envelope{
		ID:   "5f1c",
		Req:  "/api/tasks:upsert",
		Data: []byte(`{"name":"a"}`),
	}

	data, err := jsonCodec.Encode(original)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decoded message.Envelope
	if err := jsonCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	checkEnvelope(t, &decoded, original)
}

func TestBinaryCodec(t *testing.T) {
	binaryCodec := &BinaryCodec{}

	original := &message.Envelope{
		ID:    "5f1c",
		Event: "/api/tasks:upsert",
		Data:  []byte(`{"name":"a","id":7}`),
		Error: "EXCEPTION: nope",
	}

	data, err := binaryCodec.Encode(original)
	if err != nil {
		t.Fatalf("BinaryCodec Encode failed: %v", err)
	}

	var decoded message.Envelope
	if err := binaryCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("BinaryCodec Decode failed: %v", err)
	}
	checkEnvelope(t, &decoded, original)
}

func TestBinaryCodecTruncated(t *testing.T) {
	binaryCodec := &BinaryCodec{}
	data, err := binaryCodec.Encode(&message.Envelope{ID: "abc", Data: []byte(`{}`)})
	if err != nil {
		t.Fatal(err)
	}

	var decoded message.Envelope
	if err := binaryCodec.Decode(data[:len(data)-3], &decoded); err == nil {
		t.Fatal("expect error for truncated buffer")
	}
}

func TestBinaryCodecRejectsOtherTypes(t *testing.T) {
	if _, err := (&BinaryCodec{}).Encode("not an envelope"); err == nil {
		t.Fatal("expect error for non-envelope value")
	}
}

func TestParseCodecType(t *testing.T) {
	if ct, err := ParseCodecType("binary"); err != nil || ct != CodecTypeBinary {
		t.Fatalf("ParseCodecType(binary) = %v, %v", ct, err)
	}
	if _, err := ParseCodecType("xml"); err == nil {
		t.Fatal("expect error for unknown codec")
	}
}

func benchmarkCodec(b *testing.B, ct CodecType) {
	cdc := GetCodec(ct)
	msg := &message.Envelope{
		ID:   "9b2f0c1e-7d4a-4c55-8f7e-1f2a3b4c5d6e",
		Req:  "/api/tasks:upsert",
		Data: json.RawMessage(`{"id":1,"name":"a"}`),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(msg)
		var out message.Envelope
		cdc.Decode(data, &out)
	}
}

func BenchmarkCodecJSON(b *testing.B)   { benchmarkCodec(b, CodecTypeJSON) }
func BenchmarkCodecBinary(b *testing.B) { benchmarkCodec(b, CodecTypeBinary) }
