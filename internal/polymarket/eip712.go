package polymarket

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

// Polygon mainnet contracts the CTF Exchange settles against.
const (
	polygonChainID     = 137
	ctfExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

	orderSideBuy  = 0
	orderSideSell = 1

	// Maximum fee the exchange may charge, basis points.
	orderFeeRateBps = "1000"
)

// OrderSigner holds the wallet key and produces EIP-712 signed CTF Exchange
// orders.
type OrderSigner struct {
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	funder        common.Address
	signatureType int
}

// NewOrderSigner parses the hex private key. funderAddress may be empty for
// EOA wallets, in which case the maker equals the signer.
func NewOrderSigner(privateKeyHex, funderAddress string, signatureType int) (*OrderSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	signer := &OrderSigner{
		privateKey:    privateKey,
		address:       crypto.PubkeyToAddress(privateKey.PublicKey),
		signatureType: signatureType,
	}
	if funderAddress != "" {
		signer.funder = common.HexToAddress(funderAddress)
	} else {
		signer.funder = signer.address
	}
	return signer, nil
}

// Address returns the checksummed signer address.
func (s *OrderSigner) Address() string {
	return s.address.Hex()
}

// SignedOrder is a CTF Exchange order with its EIP-712 signature attached.
type SignedOrder struct {
	Salt          string
	Maker         string
	Signer        string
	Taker         string
	TokenID       string
	MakerAmount   string
	TakerAmount   string
	Expiration    string
	Nonce         string
	FeeRateBps    string
	Side          string
	SignatureType int
	Signature     string
}

// SignedOrder builds and signs a limit order. For a BUY the maker amount is
// the USDC spent (price*size) and the taker amount the shares received; a
// SELL swaps the two. Amounts are scaled to the 6 decimal on-chain units.
func (s *OrderSigner) SignedOrder(tokenID, side string, price, size decimal.Decimal) (*SignedOrder, error) {
	var sideCode int
	var makerAmount, takerAmount string
	switch strings.ToUpper(side) {
	case "BUY":
		sideCode = orderSideBuy
		makerAmount = toMakerAmount(price.Mul(size))
		takerAmount = toTakerAmount(size)
	case "SELL":
		sideCode = orderSideSell
		makerAmount = toMakerAmount(size)
		takerAmount = toTakerAmount(price.Mul(size))
	default:
		return nil, fmt.Errorf("invalid order side %q", side)
	}

	salt, err := generateSalt()
	if err != nil {
		return nil, err
	}

	order := &SignedOrder{
		Salt:          salt.String(),
		Maker:         s.funder.Hex(),
		Signer:        s.address.Hex(),
		Taker:         common.Address{}.Hex(),
		TokenID:       tokenID,
		MakerAmount:   makerAmount,
		TakerAmount:   takerAmount,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    orderFeeRateBps,
		Side:          strings.ToUpper(side),
		SignatureType: s.signatureType,
	}

	hash, err := typedDataHash(s.orderTypedData(order, sideCode))
	if err != nil {
		return nil, fmt.Errorf("hash order: %w", err)
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}
	sig[64] += 27
	order.Signature = hexutil.Encode(sig)
	return order, nil
}

func (s *OrderSigner) orderTypedData(order *SignedOrder, sideCode int) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(polygonChainID),
			VerifyingContract: ctfExchangeAddress,
		},
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt,
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         order.Taker,
			"tokenId":       order.TokenID,
			"makerAmount":   order.MakerAmount,
			"takerAmount":   order.TakerAmount,
			"expiration":    order.Expiration,
			"nonce":         order.Nonce,
			"feeRateBps":    order.FeeRateBps,
			"side":          fmt.Sprintf("%d", sideCode),
			"signatureType": fmt.Sprintf("%d", order.SignatureType),
		},
	}
}

// APIPayload shapes the signed order the way POST /order expects it: the
// signature travels inside the order object and the owner is the API key.
func (o *SignedOrder) APIPayload(apiKey string) map[string]interface{} {
	return map[string]interface{}{
		"order": map[string]interface{}{
			"salt":          o.Salt,
			"maker":         o.Maker,
			"signer":        o.Signer,
			"taker":         o.Taker,
			"tokenId":       o.TokenID,
			"makerAmount":   o.MakerAmount,
			"takerAmount":   o.TakerAmount,
			"expiration":    o.Expiration,
			"nonce":         o.Nonce,
			"feeRateBps":    o.FeeRateBps,
			"side":          o.Side,
			"signatureType": o.SignatureType,
			"signature":     o.Signature,
		},
		"owner":     apiKey,
		"orderType": "FAK",
	}
}

// toMakerAmount truncates to whole 6 decimal units. Truncation keeps the
// spend at or under what the caller budgeted.
func toMakerAmount(v decimal.Decimal) string {
	return v.Shift(6).Truncate(0).String()
}

// toTakerAmount rounds to 4 decimals before scaling, matching the exchange's
// share granularity.
func toTakerAmount(v decimal.Decimal) string {
	return v.Round(4).Shift(6).Truncate(0).String()
}

func generateSalt() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	salt, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func typedDataHash(typedData apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, err
	}
	return hash, nil
}
