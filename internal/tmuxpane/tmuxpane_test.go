package tmuxpane

import (
	"context"
	"testing"
)

// Using /bin/echo as a stand-in tmux binary: it never fails and echoes its
// argv, which is enough to exercise the command-building and error paths
// without requiring a real tmux server in the test environment.
func TestWrite_InvokesBinary(t *testing.T) {
	d := &Driver{TmuxPath: "echo"}
	if err := d.Write(context.Background(), "%1", "hello"); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestReadTail_TruncatesToMaxBytes(t *testing.T) {
	d := &Driver{TmuxPath: "echo"}
	out, err := d.ReadTail(context.Background(), "%1", 4)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if len(out) > 4 {
		t.Errorf("len(out) = %d, want <= 4", len(out))
	}
}

func TestWrite_BinaryMissing(t *testing.T) {
	d := &Driver{TmuxPath: "tmux-binary-that-does-not-exist"}
	if err := d.Write(context.Background(), "%1", "hello"); err == nil {
		t.Fatal("expected error for missing binary")
	}
}
