package transport_test

import (
	"bytes"
	"testing"

	"github.com/shardcore/dbreplica/transport"
)

func TestJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	hdr := transport.TcpConnectionHeader{Operation: transport.OperationReplication, ProtocolVersion: 1, Database: "db1"}
	if err := transport.WriteJSON(&buf, hdr); err != nil {
		t.Fatal(err)
	}
	var got transport.TcpConnectionHeader
	if err := transport.ReadJSON(&buf, &got); err != nil {
		t.Fatal(err)
	}
	if got != hdr {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, hdr)
	}
}

func TestBlockRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("some binary blob")
	if err := transport.WriteBlock(&buf, payload); err != nil {
		t.Fatal(err)
	}
	got, err := transport.ReadBlock(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("block mismatch: %q vs %q", got, payload)
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff}) // ~2GB claimed length
	if _, err := transport.ReadBlock(&buf); err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}
