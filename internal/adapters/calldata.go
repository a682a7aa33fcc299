package adapters

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/yourorg/yield-autopilot/internal/model"
)

// Function selectors (first 4 bytes of keccak256 of the signature).
var (
	// ERC20
	SelectorApprove   = Selector("approve(address,uint256)")
	SelectorBalanceOf = Selector("balanceOf(address)")

	// ERC-4626 vaults
	SelectorDeposit       = Selector("deposit(uint256,address)")
	SelectorRedeem        = Selector("redeem(uint256,address,address)")
	SelectorWithdraw      = Selector("withdraw(uint256,address,address)")
	SelectorPreviewRedeem = Selector("previewRedeem(uint256)")
	SelectorAsset         = Selector("asset()")

	// Aave V3 Pool
	SelectorAaveSupply   = Selector("supply(address,uint256,address,uint16)")
	SelectorAaveWithdraw = Selector("withdraw(address,uint256,address)")
)

// Selector derives the 4-byte function selector for a signature.
func Selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// encodeAddress left-pads a 20-byte address to a 32-byte ABI word.
func encodeAddress(addr common.Address) []byte {
	padded := make([]byte, 32)
	copy(padded[12:], addr.Bytes())
	return padded
}

// encodeUint256 encodes a big.Int as a 32-byte left-padded word.
func encodeUint256(n *big.Int) []byte {
	padded := make([]byte, 32)
	b := n.Bytes()
	copy(padded[32-len(b):], b)
	return padded
}

// encodeUint16 encodes a uint16 as a 32-byte left-padded word.
func encodeUint16(n uint16) []byte {
	padded := make([]byte, 32)
	padded[30] = byte(n >> 8)
	padded[31] = byte(n)
	return padded
}

// decodeUint256 decodes a 32-byte big-endian word into a big.Int.
func decodeUint256(data []byte) (*big.Int, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("short ABI word: %d bytes", len(data))
	}
	return new(big.Int).SetBytes(data[:32]), nil
}

// ApproveCall builds ERC20.approve(spender, amount) against the token.
// The amount is always the exact figure the caller computed; this module
// deliberately has no "unlimited" sentinel.
func ApproveCall(token, spender common.Address, amount *big.Int) model.Call {
	data := make([]byte, 0, 4+64)
	data = append(data, SelectorApprove...)
	data = append(data, encodeAddress(spender)...)
	data = append(data, encodeUint256(amount)...)
	return model.Call{Target: token, Payload: data, Value: big.NewInt(0)}
}

// VaultDepositCall builds ERC4626.deposit(assets, receiver) against the vault.
func VaultDepositCall(vault common.Address, amount *big.Int, receiver common.Address) model.Call {
	data := make([]byte, 0, 4+64)
	data = append(data, SelectorDeposit...)
	data = append(data, encodeUint256(amount)...)
	data = append(data, encodeAddress(receiver)...)
	return model.Call{Target: vault, Payload: data, Value: big.NewInt(0)}
}

// VaultRedeemCall builds ERC4626.redeem(shares, receiver, owner) against the vault.
func VaultRedeemCall(vault common.Address, shares *big.Int, receiver, owner common.Address) model.Call {
	data := make([]byte, 0, 4+96)
	data = append(data, SelectorRedeem...)
	data = append(data, encodeUint256(shares)...)
	data = append(data, encodeAddress(receiver)...)
	data = append(data, encodeAddress(owner)...)
	return model.Call{Target: vault, Payload: data, Value: big.NewInt(0)}
}

// AaveSupplyCall builds Pool.supply(asset, amount, onBehalfOf, referralCode).
func AaveSupplyCall(pool, asset common.Address, amount *big.Int, onBehalfOf common.Address) model.Call {
	data := make([]byte, 0, 4+128)
	data = append(data, SelectorAaveSupply...)
	data = append(data, encodeAddress(asset)...)
	data = append(data, encodeUint256(amount)...)
	data = append(data, encodeAddress(onBehalfOf)...)
	data = append(data, encodeUint16(0)...)
	return model.Call{Target: pool, Payload: data, Value: big.NewInt(0)}
}

// AaveWithdrawCall builds Pool.withdraw(asset, amount, to).
func AaveWithdrawCall(pool, asset common.Address, amount *big.Int, to common.Address) model.Call {
	data := make([]byte, 0, 4+96)
	data = append(data, SelectorAaveWithdraw...)
	data = append(data, encodeAddress(asset)...)
	data = append(data, encodeUint256(amount)...)
	data = append(data, encodeAddress(to)...)
	return model.Call{Target: pool, Payload: data, Value: big.NewInt(0)}
}

// PreviewRedeemData builds calldata for ERC4626.previewRedeem(shares).
func PreviewRedeemData(shares *big.Int) []byte {
	data := make([]byte, 0, 4+32)
	data = append(data, SelectorPreviewRedeem...)
	data = append(data, encodeUint256(shares)...)
	return data
}

// BalanceOfData builds calldata for ERC20.balanceOf(account).
func BalanceOfData(account common.Address) []byte {
	data := make([]byte, 0, 4+32)
	data = append(data, SelectorBalanceOf...)
	data = append(data, encodeAddress(account)...)
	return data
}

// AssetData builds calldata for ERC4626.asset().
func AssetData() []byte {
	return append([]byte{}, SelectorAsset...)
}
