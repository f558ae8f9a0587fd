package execlog

import (
	"testing"

	"github.com/flowgate/flowgate/pkg/types"
)

func TestCanonicalJSONIsStable(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 2, "a": 1, "c": []any{map[string]any{"z": true, "y": "x"}}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":1,"b":2,"c":[{"y":"x","z":true}]}`
	if string(a) != want {
		t.Fatalf("canonical = %s, want %s", a, want)
	}

	b, err := CanonicalJSON(map[string]any{"c": []any{map[string]any{"y": "x", "z": true}}, "a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("key order changed canonical bytes: %s vs %s", a, b)
	}
}

func TestCanonicalJSONPreservesNumbers(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"big": 9007199254740993.0, "small": 1})
	if err != nil {
		t.Fatal(err)
	}
	// UseNumber keeps integral values out of float formatting.
	if string(out) != `{"big":9007199254740993,"small":1}` {
		t.Fatalf("unexpected canonical numbers: %s", out)
	}
}

func TestChainHashLinks(t *testing.T) {
	canon1 := []byte(`{"event":"one"}`)
	canon2 := []byte(`{"event":"two"}`)

	h1 := ChainHash("", canon1)
	h2 := ChainHash(h1, canon2)
	if h1 == h2 {
		t.Fatal("distinct links must produce distinct hashes")
	}
	if ChainHash("", canon1) != h1 {
		t.Fatal("chain hash must be deterministic")
	}
}

func TestVerifyChainFrom(t *testing.T) {
	canon := func(s string) []byte {
		b, err := CanonicalJSON(types.TriggerSnapshot{Body: []byte(s)})
		if err != nil {
			t.Fatal(err)
		}
		return b
	}

	c1, c2, c3 := canon("1"), canon("2"), canon("3")
	h1 := ChainHash("", c1)
	h2 := ChainHash(h1, c2)
	h3 := ChainHash(h2, c3)

	records := []ChainRecord{
		{LogID: "l1", Seq: 1, Hash: h1, CanonTrigger: c1},
		{LogID: "l2", Seq: 2, Hash: h2, CanonTrigger: c2},
		{LogID: "l3", Seq: 3, Hash: h3, CanonTrigger: c3},
	}
	if err := VerifyChainFrom("", records); err != nil {
		t.Fatalf("valid chain rejected: %v", err)
	}

	// Resume from checkpoint.
	if err := VerifyChainFrom(h1, records[1:]); err != nil {
		t.Fatalf("valid chain tail rejected: %v", err)
	}

	// Tampered record breaks the chain.
	records[1].CanonTrigger = canon("tampered")
	if err := VerifyChainFrom("", records); err == nil {
		t.Fatal("tampered chain must fail verification")
	}
}
