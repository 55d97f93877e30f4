// Package eip712 builds and verifies the typed-data signature a depositor
// gives the batcher to authorise a deposit for an owner address.
package eip712

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	DomainName    = "Batcher"
	DomainVersion = "1"
	// PrimaryType keeps the lowercase struct name deployed signers already
	// produce.
	PrimaryType = "deposit"
)

// SignatureLength is r || s || v.
const SignatureLength = crypto.SignatureLength

// DepositSigner produces and checks deposit signatures for one batcher.
type DepositSigner struct {
	chainID           *big.Int
	verifyingContract common.Address
}

// NewDepositSigner binds the domain to chainID and the batcher address.
func NewDepositSigner(chainID *big.Int, verifyingContract common.Address) *DepositSigner {
	if chainID == nil {
		chainID = new(big.Int)
	}
	return &DepositSigner{chainID: new(big.Int).Set(chainID), verifyingContract: verifyingContract}
}

// ChainID returns the domain chain id.
func (s *DepositSigner) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// VerifyingContract returns the batcher address in the domain.
func (s *DepositSigner) VerifyingContract() common.Address { return s.verifyingContract }

func (s *DepositSigner) typedData(owner common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			PrimaryType: {
				{Name: "owner", Type: "address"},
			},
		},
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
			VerifyingContract: s.verifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"owner": owner.Hex(),
		},
	}
}

// Digest returns keccak256("\x19\x01" || domainSeparator || hashStruct(deposit)).
func (s *DepositSigner) Digest(owner common.Address) (common.Hash, error) {
	hash, _, err := apitypes.TypedDataAndHash(s.typedData(owner))
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash typed data: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// Sign signs the deposit for owner. V is returned as 27/28.
func (s *DepositSigner) Sign(key *ecdsa.PrivateKey, owner common.Address) ([]byte, error) {
	digest, err := s.Digest(owner)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign deposit: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that signed the deposit for owner. Both 0/1
// and 27/28 recovery ids are accepted; high-s signatures are rejected.
func (s *DepositSigner) Recover(owner common.Address, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(signature))
	}
	sig := make([]byte, SignatureLength)
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	r := new(big.Int).SetBytes(sig[:32])
	sv := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[crypto.RecoveryIDOffset], r, sv, true) {
		return common.Address{}, fmt.Errorf("invalid signature values")
	}
	digest, err := s.Digest(owner)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
