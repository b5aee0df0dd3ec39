package module

import "testing"

func TestOutputTail_ReturnsOldestToNewest(t *testing.T) {
	var tail outputTail
	for _, l := range []string{"a", "b", "c"} {
		tail.append(l)
	}
	got := tail.lines()
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestOutputTail_EmptyBeforeAnyAppend(t *testing.T) {
	var tail outputTail
	if got := tail.lines(); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestOutputTail_WrapsAtCapacity(t *testing.T) {
	var tail outputTail
	const capN = 64
	for i := 0; i < capN+5; i++ {
		tail.append(string(rune('a' + i%26)))
	}
	got := tail.lines()
	if len(got) != capN {
		t.Fatalf("expected %d buffered lines, got %d", capN, len(got))
	}
}
