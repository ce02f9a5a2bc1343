package executor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestSignDeterministic(t *testing.T) {
	body := []byte(`{"user_id":7,"email":"a@example.com"}`)

	first := Sign("topsecret", body)
	second := Sign("topsecret", body)
	if first != second {
		t.Fatalf("Sign() not deterministic: %q vs %q", first, second)
	}

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if first != want {
		t.Errorf("Sign() = %q, want %q", first, want)
	}

	if Sign("othersecret", body) == first {
		t.Error("different secrets produced the same signature")
	}
	if Sign("topsecret", append(body, ' ')) == first {
		t.Error("different bodies produced the same signature")
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"a":1}`)
	good := Sign("k", body)

	tests := []struct {
		name   string
		secret string
		body   []byte
		header string
		want   bool
	}{
		{name: "valid", secret: "k", body: body, header: good, want: true},
		{name: "wrong secret", secret: "other", body: body, header: good, want: false},
		{name: "tampered body", secret: "k", body: []byte(`{"a":2}`), header: good, want: false},
		{name: "missing prefix", secret: "k", body: body, header: good[len("sha256="):], want: false},
		{name: "not hex", secret: "k", body: body, header: "sha256=zz", want: false},
		{name: "empty", secret: "k", body: body, header: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.secret, tt.body, tt.header); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}
