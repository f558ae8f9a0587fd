package signature

import (
	"net/http"
	"testing"
)

func TestVerifyRoundTrip(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"event":"order.created","id":42}`)

	sig := Compute(secret, body)
	if !Verify(secret, body, sig) {
		t.Fatal("expected valid signature to verify")
	}
	if Verify(secret, append(body, 'x'), sig) {
		t.Fatal("expected tampered body to fail verification")
	}
	if Verify(secret, body, Compute("other-secret", body)) {
		t.Fatal("expected wrong-secret signature to fail verification")
	}
}

func TestVerifySchemePrefix(t *testing.T) {
	secret := "whsec_test"
	body := []byte("raw payload bytes")
	sig := Compute(secret, body)

	if !Verify(secret, body, HubFormat(sig)) {
		t.Fatal("expected sha256= prefixed signature to verify")
	}
	if !Verify(secret, body, "hmac="+sig) {
		t.Fatal("expected scheme=value signature to verify against value portion")
	}
}

func TestVerifyRejectsEmptyAndMalformed(t *testing.T) {
	body := []byte("payload")
	if Verify("", body, Compute("", body)) {
		t.Fatal("empty secret must never verify")
	}
	if Verify("s", body, "") {
		t.Fatal("empty signature must never verify")
	}
	if Verify("s", body, "not-hex-at-all") {
		t.Fatal("malformed signature must never verify")
	}
}

func TestFromHeadersPrecedence(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderAuthorization, "Bearer cccc")
	if got := FromHeaders(h); got != "cccc" {
		t.Fatalf("authorization fallback: got %q", got)
	}

	h.Set(HeaderHubSignature, "sha256=bbbb")
	if got := FromHeaders(h); got != "sha256=bbbb" {
		t.Fatalf("hub signature should win over authorization: got %q", got)
	}

	h.Set(HeaderSignature, "aaaa")
	if got := FromHeaders(h); got != "aaaa" {
		t.Fatalf("custom signature header should win: got %q", got)
	}
}

func TestFromHeadersEmpty(t *testing.T) {
	if got := FromHeaders(http.Header{}); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
