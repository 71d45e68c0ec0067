package auth

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestHashMessage_Deterministic(t *testing.T) {
	msg := []byte("authorize session key")
	h1 := HashMessage(msg)
	h2 := HashMessage(msg)
	if string(h1) != string(h2) {
		t.Fatal("HashMessage is not deterministic")
	}
	if len(h1) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(h1))
	}
}

func TestHashMessage_DifferentMessages(t *testing.T) {
	h1 := HashMessage([]byte("create"))
	h2 := HashMessage([]byte("delete"))
	if string(h1) == string(h2) {
		t.Fatal("different messages produced the same hash")
	}
}

func TestRecover_ValidSignature(t *testing.T) {
	privKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	expected := crypto.PubkeyToAddress(privKey.PublicKey)

	msg := []byte(`{"nonce":"abc","operation":"create"}`)
	hash := HashMessage(msg)

	// crypto.Sign emits V in {0,1}; wallets emit {27,28}.
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		t.Fatal(err)
	}
	sig[64] += 27

	got, err := Recover(msg, sig)
	if err != nil {
		t.Fatalf("Recover error: %v", err)
	}
	if got != expected {
		t.Errorf("got %s, want %s", got.Hex(), expected.Hex())
	}
}

func TestRecover_V0and1(t *testing.T) {
	privKey, _ := crypto.GenerateKey()
	expected := crypto.PubkeyToAddress(privKey.PublicKey)

	msg := []byte("raw recovery id")
	hash := HashMessage(msg)
	sig, _ := crypto.Sign(hash, privKey)

	got, err := Recover(msg, sig)
	if err != nil {
		t.Fatalf("Recover error: %v", err)
	}
	if got != expected {
		t.Errorf("got %s, want %s", got.Hex(), expected.Hex())
	}
}

func TestRecover_WrongMessage(t *testing.T) {
	privKey, _ := crypto.GenerateKey()
	expected := crypto.PubkeyToAddress(privKey.PublicKey)

	msg := []byte("original message")
	hash := HashMessage(msg)
	sig, _ := crypto.Sign(hash, privKey)
	sig[64] += 27

	wrong, err := Recover([]byte("tampered message"), sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wrong == expected {
		t.Error("tampered message should not recover the original signer")
	}
}

func TestRecover_InvalidSigLength(t *testing.T) {
	_, err := Recover([]byte("msg"), []byte("tooshort"))
	if err == nil {
		t.Fatal("expected error for short signature")
	}
}
