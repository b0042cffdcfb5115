package store

import (
	"context"
	"testing"
	"time"
)

// TestMemoryStoreOffsetMatchesFrameModel verifies MemoryStore reports
// the same byte-offset model FileStore does: every frame costs the
// 4-byte length prefix and newline terminator, not just its payload
// (spec.md's normative example: appending "hello" to an empty stream
// yields byte offset 10, not 5).
func TestMemoryStoreOffsetMatchesFrameModel(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_, _, err := s.Create("/greeting", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	offset, err := s.Append("/greeting", []byte("hello"), AppendOptions{})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	want := frameByteLen(len("hello"))
	if offset.ByteOffset != want {
		t.Errorf("expected ByteOffset %d, got %d", want, offset.ByteOffset)
	}
	if offset.ReadSeq != 1 {
		t.Errorf("expected ReadSeq 1, got %d", offset.ReadSeq)
	}
	if offset.String() != "0000000000000001_0000000000000010" {
		t.Errorf("expected canonical offset 0000000000000001_0000000000000010, got %s", offset.String())
	}
}

// TestMemoryStoreDeleteWakesWaiters verifies a blocked WaitForMessages
// call returns promptly (not after its own timeout) when the stream it
// is waiting on is deleted.
func TestMemoryStoreDeleteWakesWaiters(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	if _, _, err := s.Create("/live", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, _, err := s.WaitForMessages(context.Background(), "/live", ZeroOffset, 5*time.Second)
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := s.Delete("/live"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	select {
	case err := <-result:
		if err != ErrStreamNotFound {
			t.Errorf("expected ErrStreamNotFound after delete, got %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("WaitForMessages did not wake on delete")
	}
}
