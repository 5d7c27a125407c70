// Package signature проверяет, что запрос на своп подписан ключом агента.
//
// Каноническое сообщение совпадает с Solidity
// abi.encodePacked(address user, address tokenIn, address tokenOut,
// uint256 amountIn, uint256 minAmountOut, bool useMento), затем keccak256
// и префикс EIP-191 ("\x19Ethereum Signed Message:\n32").
package signature

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/xela07ax/agentguard/internal/domain"
	"github.com/xela07ax/agentguard/internal/secret"
)

// Length — [R || S || V].
const Length = crypto.SignatureLength

var ErrUnencodable = errors.New("signature: request cannot be encoded")

// 20*3 + 32*2 + 1
const packedLength = 3*common.AddressLength + 2*32 + 1

// Encode возвращает упакованное сообщение. Суммы должны помещаться в uint256.
func Encode(req *domain.SwapAuthorizationRequest) ([]byte, error) {
	if req == nil || !isUint256(req.AmountIn) || !isUint256(req.MinAmountOut) {
		return nil, ErrUnencodable
	}

	buf := make([]byte, 0, packedLength)
	buf = append(buf, req.UserAddress.Bytes()...)
	buf = append(buf, req.TokenIn.Bytes()...)
	buf = append(buf, req.TokenOut.Bytes()...)
	buf = append(buf, math.U256Bytes(new(big.Int).Set(req.AmountIn))...)
	buf = append(buf, math.U256Bytes(new(big.Int).Set(req.MinAmountOut))...)
	if req.UseMento {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf, nil
}

// Digest — keccak256 от упакованного сообщения, обернутый в EIP-191.
// Именно этот хэш подписывает клиент через personal_sign.
func Digest(req *domain.SwapAuthorizationRequest) ([]byte, error) {
	packed, err := Encode(req)
	if err != nil {
		return nil, err
	}
	return accounts.TextHash(crypto.Keccak256(packed)), nil
}

// Validate — true тогда и только тогда, когда подпись восстанавливается в identity.
// Любой некорректный ввод дает false.
func Validate(req *domain.SwapAuthorizationRequest, identity common.Address) bool {
	if req == nil || len(req.Signature) != Length || identity == (common.Address{}) {
		return false
	}

	digest, err := Digest(req)
	if err != nil {
		return false
	}

	sig := make([]byte, Length)
	copy(sig, req.Signature)
	switch sig[crypto.RecoveryIDOffset] {
	case 27, 28:
		sig[crypto.RecoveryIDOffset] -= 27
	case 0, 1:
	default:
		return false
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == identity
}

// Sign подписывает запрос ключом агента в формате personal_sign (V = 27/28).
func Sign(req *domain.SwapAuthorizationRequest, key *secret.KeyHandle) ([]byte, error) {
	digest, err := Digest(req)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func isUint256(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.BitLen() <= 256
}
