// Package signature computes per-gateway request digests.
//
// Every scheme here is pure and deterministic: the same inputs always
// produce the same hex digest, and changing any single field changes it.
// A mismatched digest is rejected wholesale by the gateway, so the exact
// concatenation order and normalization below are load-bearing.
package signature

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"
)

// PayloadDigest implements the acquirer billing-API scheme: a SHA-512 hex
// digest over the API key, merchant ID, request type, timestamp and the
// serialized request payload, concatenated in that order. Backslashes are
// stripped before hashing; the gateway hashes the unescaped payload.
func PayloadDigest(apiKey, merchantID, requestType, timestamp, payload string) string {
	plain := apiKey + merchantID + requestType + timestamp + payload
	plain = strings.ReplaceAll(plain, `\`, "")
	sum := sha512.Sum512([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// FieldDigest implements the web-standard form scheme: a SHA-256 hex digest
// over discrete fields rendered as a query string in fixed order.
func FieldDigest(orderID, price, timestamp string) string {
	plain := fmt.Sprintf("oid=%s&price=%s&timestamp=%s", orderID, price, timestamp)
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// MerchantKey derives the merchant verification key from the pre-shared
// sign key (SHA-256 hex). Sent alongside FieldDigest signatures.
func MerchantKey(signKey string) string {
	sum := sha256.Sum256([]byte(signKey))
	return hex.EncodeToString(sum[:])
}
