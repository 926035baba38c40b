package room

import (
	"sync"
	"testing"
)

func collectingSend(t *testing.T, out *[]Message, mu *sync.Mutex) func(Message) error {
	return func(m Message) error {
		mu.Lock()
		*out = append(*out, m)
		mu.Unlock()
		return nil
	}
}

// TestJoinRosterExcludesSelfAndDuplicates covers invariant 1 from spec
// section 8: the peers array in `joined` contains exactly the other live
// peers, no duplicates, no self.
func TestJoinRosterExcludesSelfAndDuplicates(t *testing.T) {
	r := newRoom("R1")

	var aMsgs, bMsgs []Message
	var mu sync.Mutex

	aRoster := r.Join("alice", JoinData{Name: "Alice"}, collectingSend(t, &aMsgs, &mu))
	if len(aRoster) != 0 {
		t.Fatalf("alice's roster should be empty, got %v", aRoster)
	}

	bRoster := r.Join("bob", JoinData{Name: "Bob"}, collectingSend(t, &bMsgs, &mu))
	if len(bRoster) != 1 || bRoster[0].ID != "alice" {
		t.Fatalf("bob's roster should contain exactly alice, got %v", bRoster)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(aMsgs) != 1 || aMsgs[0].Type != TypePeerJoined {
		t.Fatalf("alice should observe exactly one peer-joined broadcast, got %v", aMsgs)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	r := newRoom("R1")
	var msgs []Message
	var mu sync.Mutex
	r.Join("alice", JoinData{Name: "Alice"}, collectingSend(t, &msgs, &mu))

	r.Leave("alice")
	if !r.Empty() {
		t.Fatal("room should be empty after its only peer leaves")
	}
	// A second Leave for the same id must not panic or double-broadcast.
	r.Leave("alice")
}

func TestForwardDropsToDeadRecipient(t *testing.T) {
	r := newRoom("R1")
	var msgs []Message
	var mu sync.Mutex
	r.Join("alice", JoinData{Name: "Alice"}, collectingSend(t, &msgs, &mu))

	// No panic, no delivery: "to" names a peer that never joined.
	r.Forward("alice", Message{Type: TypeOffer, To: "ghost", Data: "sdp"})

	mu.Lock()
	defer mu.Unlock()
	if len(msgs) != 0 {
		t.Fatalf("ghost recipient must not receive anything, and alice must not either: %v", msgs)
	}
}

func TestForwardOnlyForwardableTypes(t *testing.T) {
	r := newRoom("R1")
	var aMsgs, bMsgs []Message
	var mu sync.Mutex
	r.Join("alice", JoinData{Name: "Alice"}, collectingSend(t, &aMsgs, &mu))
	r.Join("bob", JoinData{Name: "Bob"}, collectingSend(t, &bMsgs, &mu))

	r.Forward("alice", Message{Type: TypeJoin, To: "bob"})

	mu.Lock()
	defer mu.Unlock()
	if len(bMsgs) != 0 {
		t.Fatalf("join is not a forwardable type, bob should see nothing: %v", bMsgs)
	}
}

func TestSetIfAbsentIdempotentOnFailure(t *testing.T) {
	s := NewMemoryPasswordStore()
	if !s.SetIfAbsent("ROOM", "hash-a") {
		t.Fatal("first SetIfAbsent should succeed")
	}
	if s.SetIfAbsent("ROOM", "hash-b") {
		t.Fatal("second SetIfAbsent must fail")
	}
	got, ok := s.Get("ROOM")
	if !ok || got != "hash-a" {
		t.Fatalf("stored hash must remain the first argument, got %q", got)
	}
}

// TestSetIfAbsentLinearizable covers invariant 2 from spec section 8
// under concurrency: of N racing SetIfAbsent calls, exactly one
// succeeds, and the stored hash is that one's argument.
func TestSetIfAbsentLinearizable(t *testing.T) {
	s := NewMemoryPasswordStore()
	const n = 50
	results := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.SetIfAbsent("ROOM", "hash")
		}()
	}
	wg.Wait()

	successes := 0
	for _, ok := range results {
		if ok {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("exactly one SetIfAbsent must succeed under concurrency, got %d", successes)
	}
	if _, ok := s.Get("ROOM"); !ok {
		t.Fatal("a hash must be stored after the race")
	}
}

func TestNormalizeAndValidCode(t *testing.T) {
	cases := []struct {
		in    string
		valid bool
	}{
		{"ab12", true},
		{"  ab12  ", true},
		{"abc", false},       // too short
		{"this-code-is-way-too-long-1234567890", false},
		{"ab!2", false},
	}
	for _, c := range cases {
		got := ValidCode(c.in)
		if got != c.valid {
			t.Errorf("ValidCode(%q) = %v, want %v", c.in, got, c.valid)
		}
	}
	if NormalizeCode("ab12") != "AB12" {
		t.Fatalf("NormalizeCode should upper-case")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !constantTimeEqual("abc", "abc") {
		t.Fatal("equal strings should compare equal")
	}
	if constantTimeEqual("abc", "abd") {
		t.Fatal("different strings should not compare equal")
	}
	if constantTimeEqual("abc", "abcd") {
		t.Fatal("different-length strings should not compare equal")
	}
}
