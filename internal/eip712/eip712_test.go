package eip712

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := NewDepositSigner(big.NewInt(1), common.HexToAddress("0x00000000000000000000000000000000000000b1"))
	owner := crypto.PubkeyToAddress(key.PublicKey)

	sig, err := signer.Sign(key, owner)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if v := sig[crypto.RecoveryIDOffset]; v != 27 && v != 28 {
		t.Fatalf("expected 27/28 recovery id, got %d", v)
	}
	got, err := signer.Recover(owner, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != owner {
		t.Fatalf("recovered %s, want %s", got.Hex(), owner.Hex())
	}

	// 0/1 recovery ids are accepted too
	raw := append([]byte(nil), sig...)
	raw[crypto.RecoveryIDOffset] -= 27
	if got, err := signer.Recover(owner, raw); err != nil || got != owner {
		t.Fatalf("raw recovery id: got %s err=%v", got.Hex(), err)
	}
}

func TestSignatureBoundToDomainAndOwner(t *testing.T) {
	key, _ := crypto.GenerateKey()
	owner := crypto.PubkeyToAddress(key.PublicKey)
	batcher := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	sig, err := NewDepositSigner(big.NewInt(1), batcher).Sign(key, owner)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	otherChain := NewDepositSigner(big.NewInt(10), batcher)
	if got, err := otherChain.Recover(owner, sig); err == nil && got == owner {
		t.Fatalf("signature must not verify on another chain")
	}
	otherContract := NewDepositSigner(big.NewInt(1), common.HexToAddress("0xb2"))
	if got, err := otherContract.Recover(owner, sig); err == nil && got == owner {
		t.Fatalf("signature must not verify for another batcher")
	}
	same := NewDepositSigner(big.NewInt(1), batcher)
	if got, err := same.Recover(common.HexToAddress("0x01"), sig); err == nil && got == owner {
		t.Fatalf("signature must not verify for another owner")
	}
}

func TestRecoverRejectsMalformedSignature(t *testing.T) {
	signer := NewDepositSigner(big.NewInt(1), common.HexToAddress("0xb1"))
	if _, err := signer.Recover(common.HexToAddress("0x01"), make([]byte, 64)); err == nil {
		t.Fatalf("expected length error")
	}
	if _, err := signer.Recover(common.HexToAddress("0x01"), make([]byte, SignatureLength)); err == nil {
		t.Fatalf("expected zero r/s to be rejected")
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	signer := NewDepositSigner(big.NewInt(1), common.HexToAddress("0xb1"))
	a, err := signer.Digest(common.HexToAddress("0x01"))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	b, _ := signer.Digest(common.HexToAddress("0x01"))
	c, _ := signer.Digest(common.HexToAddress("0x02"))
	if a != b || a == c {
		t.Fatalf("digest must depend only on the owner for a fixed domain")
	}
}
