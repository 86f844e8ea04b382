// Package signer authenticates outbound requests to the destination venue.
// The destination venue's concrete signing scheme is an external
// collaborator: this package exposes narrow interfaces so the command client
// depends only on "produce these headers" (Signer) and the outbox dispatcher
// only on "sign this raw transaction" (TxSigner), with one
// go-ethereum-backed EIP-712/HMAC implementation as the default.
package signer

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer authenticates outbound command-client requests. Implementations
// may use EIP-712 wallet signatures, HMAC, or any other scheme the
// destination venue requires.
type Signer interface {
	// Headers returns the headers to attach to a request for method+path
	// with the given (already JSON-encoded) body.
	Headers(method, path, body string) (map[string]string, error)
	// Address identifies the signing account for logging/reconciliation.
	Address() string
}

// TxSigner signs an unsigned transaction returned by the command client's
// build endpoint, producing the signed_tx the submit endpoint expects.
type TxSigner interface {
	SignRawTx(txHex string) (signedTxHex string, err error)
}

// Credentials holds the API key triplet used for HMAC-signed requests.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// EIP712Signer signs with an EOA private key (one-time L1 derivation) and
// an HMAC-SHA256 API secret for ongoing L2 request signing.
type EIP712Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	creds      Credentials
}

// NewEIP712Signer builds a signer from a hex-encoded private key (with or
// without 0x prefix), the destination chain id, and L2 API credentials.
func NewEIP712Signer(privateKeyHex string, chainID int64, creds Credentials) (*EIP712Signer, error) {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}

	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("signer: parse private key: %w", err)
	}

	return &EIP712Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(chainID),
		creds:      creds,
	}, nil
}

// Address returns the signer's Ethereum address.
func (s *EIP712Signer) Address() string {
	return s.address.Hex()
}

// Headers builds L2 (HMAC) authentication headers: timestamp + method +
// path [+ body] signed with the API secret.
func (s *EIP712Signer) Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := s.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("signer: build hmac: %w", err)
	}

	return map[string]string{
		"API-ADDRESS":    s.address.Hex(),
		"API-SIGNATURE":  sig,
		"API-TIMESTAMP":  timestamp,
		"API-KEY":        s.creds.APIKey,
		"API-PASSPHRASE": s.creds.Passphrase,
	}, nil
}

// SignLoginChallenge produces an EIP-712 signature proving control of the
// wallet, used once to derive L2 API credentials from the venue.
func (s *EIP712Signer) SignLoginChallenge(nonce int64) (string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"LoginChallenge": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "LoginChallenge",
		Domain: apitypes.TypedDataDomain{
			Name:    "CrossVenueMMAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
		},
		Message: apitypes.TypedDataMessage{
			"address":   s.address.Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("signer: typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("signer: sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + common.Bytes2Hex(sig), nil
}

// SignRawTx signs the keccak256 hash of an unsigned transaction returned by
// the command client's build endpoint and appends the signature, producing
// the signed_tx the submit endpoint expects.
func (s *EIP712Signer) SignRawTx(txHex string) (string, error) {
	raw := strings.TrimPrefix(txHex, "0x")
	data, err := hex.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("signer: decode tx hex: %w", err)
	}

	hash := crypto.Keccak256(data)
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("signer: sign tx: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(data) + hex.EncodeToString(sig), nil
}

func (s *EIP712Signer) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(s.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path + body

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}
