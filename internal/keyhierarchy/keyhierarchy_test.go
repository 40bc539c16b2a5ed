package keyhierarchy_test

import (
	"bytes"
	"testing"

	"github.com/lukium/kms-enclave/internal/keyhierarchy"
	"github.com/lukium/kms-enclave/internal/kmserrors"
)

func TestWithUnlockExposesThenZeroizes(t *testing.T) {
	ms, err := keyhierarchy.GenerateMS()
	if err != nil {
		t.Fatal(err)
	}
	var seen []byte
	err = keyhierarchy.WithUnlock(ms, func(raw []byte) error {
		if len(raw) != keyhierarchy.MSSize {
			t.Fatalf("expected %d bytes, got %d", keyhierarchy.MSSize, len(raw))
		}
		seen = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(seen, make([]byte, keyhierarchy.MSSize)) {
		t.Fatal("master secret was all zero, generation likely broken")
	}
}

func TestWithUnlockPropagatesOperationError(t *testing.T) {
	ms, _ := keyhierarchy.GenerateMS()
	want := kmserrors.New(kmserrors.KindInternal, "boom")
	err := keyhierarchy.WithUnlock(ms, func(raw []byte) error { return want })
	if err != want {
		t.Fatalf("expected operation error to propagate, got %v", err)
	}
}

func TestDeriveKEKDeterministicPerSaltAndInfo(t *testing.T) {
	ms, _ := keyhierarchy.GenerateMS()
	var k1, k2 []byte
	salt, err := keyhierarchy.RandomSalt(keyhierarchy.SaltSize)
	if err != nil {
		t.Fatal(err)
	}
	keyhierarchy.WithUnlock(ms, func(raw []byte) error {
		var derErr error
		k1, derErr = keyhierarchy.DeriveKEK(raw, salt, keyhierarchy.DirectKEKInfo)
		if derErr != nil {
			return derErr
		}
		k2, derErr = keyhierarchy.DeriveKEK(raw, salt, keyhierarchy.DirectKEKInfo)
		return derErr
	})
	if !bytes.Equal(k1, k2) {
		t.Fatal("DeriveKEK not deterministic for identical ms/salt/info")
	}
}

func TestDeriveKEKDiffersByInfo(t *testing.T) {
	ms, _ := keyhierarchy.GenerateMS()
	salt, _ := keyhierarchy.RandomSalt(keyhierarchy.SaltSize)
	var direct, session []byte
	keyhierarchy.WithUnlock(ms, func(raw []byte) error {
		var err error
		direct, err = keyhierarchy.DeriveKEK(raw, salt, keyhierarchy.DirectKEKInfo)
		if err != nil {
			return err
		}
		session, err = keyhierarchy.DeriveKEK(raw, salt, keyhierarchy.SessionKEKInfo)
		return err
	})
	if bytes.Equal(direct, session) {
		t.Fatal("direct-use KEK and Session KEK must differ for distinct info strings")
	}
}

func TestWrapUnwrapAESGCMRoundTrip(t *testing.T) {
	ms, _ := keyhierarchy.GenerateMS()
	salt, _ := keyhierarchy.RandomSalt(keyhierarchy.SaltSize)
	var kek []byte
	keyhierarchy.WithUnlock(ms, func(raw []byte) error {
		var err error
		kek, err = keyhierarchy.DeriveKEK(raw, salt, keyhierarchy.DirectKEKInfo)
		return err
	})

	plaintext := []byte("32-byte-ish signing key material")
	ad := []byte("kid:abc123")
	ciphertext, iv, err := keyhierarchy.WrapAESGCM(kek, plaintext, ad)
	if err != nil {
		t.Fatal(err)
	}
	got, err := keyhierarchy.UnwrapAESGCM(kek, ciphertext, iv, ad)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("round trip mismatch")
	}
}

func TestUnwrapAESGCMRejectsWrongAssociatedData(t *testing.T) {
	ms, _ := keyhierarchy.GenerateMS()
	salt, _ := keyhierarchy.RandomSalt(keyhierarchy.SaltSize)
	var kek []byte
	keyhierarchy.WithUnlock(ms, func(raw []byte) error {
		var err error
		kek, err = keyhierarchy.DeriveKEK(raw, salt, keyhierarchy.DirectKEKInfo)
		return err
	})

	ciphertext, iv, err := keyhierarchy.WrapAESGCM(kek, []byte("secret"), []byte("kid:a"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := keyhierarchy.UnwrapAESGCM(kek, ciphertext, iv, []byte("kid:b")); err == nil {
		t.Fatal("expected authentication failure for mismatched associated data")
	}
}

func TestNewMSRejectsWrongLength(t *testing.T) {
	if _, err := keyhierarchy.NewMS(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short master secret")
	}
}
