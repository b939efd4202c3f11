package userapi

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	return []byte("0123456789ABCDEF0123456789ABCDEF") // 32 bytes = AES-256
}

func TestSealOpenRoundtrip(t *testing.T) {
	key := testKey()
	tests := []struct {
		name string
		data []byte
	}{
		{"short text", []byte("hello")},
		{"empty", nil},
		{"binary", []byte{0x00, 0xff, 0x10, 0x80, 0x7f}},
		{"large", bytes.Repeat([]byte("payload"), 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := seal(key, tt.data)
			if err != nil {
				t.Fatalf("seal: %v", err)
			}
			plain, err := open(key, sealed)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if !bytes.Equal(plain, tt.data) {
				t.Errorf("roundtrip mismatch: got %d bytes, want %d", len(plain), len(tt.data))
			}
		})
	}
}

func TestSealIsNondeterministic(t *testing.T) {
	key := testKey()
	a, _ := seal(key, []byte("same input"))
	b, _ := seal(key, []byte("same input"))
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext should differ (random nonce)")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := testKey()
	sealed, err := seal(key, []byte("integrity matters"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := open(key, sealed); err == nil {
		t.Error("open accepted tampered ciphertext")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	sealed, err := seal(testKey(), []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	other := []byte("FEDCBA9876543210FEDCBA9876543210")
	if _, err := open(other, sealed); err == nil {
		t.Error("open accepted ciphertext under the wrong key")
	}
}

func TestSealRejectsBadKeySize(t *testing.T) {
	if _, err := seal([]byte("short"), []byte("data")); err == nil {
		t.Error("seal accepted a short key")
	}
}

func TestOpenRejectsTruncatedPayload(t *testing.T) {
	if _, err := open(testKey(), []byte{0x01, 0x02}); err == nil {
		t.Error("open accepted a payload shorter than the nonce")
	}
}

func TestPayloadRoundtrip(t *testing.T) {
	key := testKey()
	in := secretPayload{
		Kind:     "image",
		Data:     []byte{0x89, 0x50, 0x4e, 0x47},
		Filename: "item.png",
		Caption:  "ORD-42",
	}
	sealed, err := sealPayload(key, in)
	if err != nil {
		t.Fatalf("sealPayload: %v", err)
	}
	out, err := openPayload(key, sealed)
	if err != nil {
		t.Fatalf("openPayload: %v", err)
	}
	if out.Kind != in.Kind || out.Filename != in.Filename || out.Caption != in.Caption {
		t.Errorf("metadata mismatch: %+v", out)
	}
	if !bytes.Equal(out.Data, in.Data) {
		t.Error("data mismatch after roundtrip")
	}
}
