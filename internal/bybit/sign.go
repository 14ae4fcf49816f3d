package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/vadiminshakov/bywatch/internal/domain"
)

// Request headers required by the Bybit v5 API for signed endpoints.
const (
	headerAPIKey     = "X-BAPI-API-KEY"
	headerSignature  = "X-BAPI-SIGN"
	headerTimestamp  = "X-BAPI-TIMESTAMP"
	headerRecvWindow = "X-BAPI-RECV-WINDOW"
)

// SignedHeaders carries the authentication headers for one request. Only the
// hex digest of the secret-keyed MAC is included, never the secret itself.
type SignedHeaders struct {
	APIKey     string
	Signature  string
	Timestamp  string
	RecvWindow string
}

// Sign computes the Bybit v5 request signature: an HMAC-SHA256 over
// timestamp + apiKey + recvWindow + payload keyed with the API secret,
// rendered as a hex digest. For GET requests the payload is the encoded query
// string. Pure and deterministic, identical inputs always produce identical
// headers.
func Sign(creds domain.Credentials, timestampMillis, recvWindowMillis int64, payload string) SignedHeaders {
	ts := strconv.FormatInt(timestampMillis, 10)
	recv := strconv.FormatInt(recvWindowMillis, 10)

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(ts + creds.APIKey + recv + payload))

	return SignedHeaders{
		APIKey:     creds.APIKey,
		Signature:  hex.EncodeToString(mac.Sum(nil)),
		Timestamp:  ts,
		RecvWindow: recv,
	}
}
