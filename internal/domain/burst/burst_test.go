package burst_test

import (
	"testing"
	"time"

	"github.com/almudeer/engine/internal/domain/burst"
	"github.com/almudeer/engine/internal/domain/transport"
)

func TestGroupSingleMessageNotMerged(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	msgs := []transport.NormalizedMessage{
		{SenderContact: "a@b.com", Body: "hello", ReceivedAt: base},
	}

	out := burst.Group(msgs)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].Merged {
		t.Fatal("single message marked merged, want not merged")
	}
	if out[0].DrivingBody != "[10:00] hello" {
		t.Fatalf("DrivingBody = %q, want %q", out[0].DrivingBody, "[10:00] hello")
	}
}

func TestGroupMergesNonLastSameSender(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	msgs := []transport.NormalizedMessage{
		{SenderContact: "a@b.com", Body: "first", ReceivedAt: base},
		{SenderContact: "a@b.com", Body: "second", ReceivedAt: base.Add(time.Minute)},
		{SenderContact: "other@b.com", Body: "unrelated", ReceivedAt: base},
	}

	out := burst.Group(msgs)

	if !out[0].Merged {
		t.Fatal("first message of burst should be Merged")
	}
	if out[1].Merged {
		t.Fatal("last message of burst should not be Merged")
	}
	wantBody := "[10:00] first\n[10:01] second"
	if out[1].DrivingBody != wantBody {
		t.Fatalf("DrivingBody = %q, want %q", out[1].DrivingBody, wantBody)
	}
	if out[2].Merged {
		t.Fatal("unrelated sender's lone message should not be Merged")
	}
}
