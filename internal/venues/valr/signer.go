package valr

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/quantfold/marlin/errs"
)

// Signer produces the venue's request signatures: HMAC-SHA512 of
// timestamp + verb + path + body, keyed by the API secret and hex encoded.
type Signer struct {
	apiKey string
	secret []byte
	now    func() time.Time
}

// NewSigner builds a Signer for the given credentials.
func NewSigner(apiKey, apiSecret string) (*Signer, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, errs.New(VenueName, errs.CodeAuth,
			errs.WithMessage("api key and secret required"))
	}
	return &Signer{
		apiKey: apiKey,
		secret: []byte(apiSecret),
		now:    time.Now,
	}, nil
}

// Sign computes the signature for one request. verb is the uppercase HTTP
// method, path includes the query string, body is empty for GETs and the
// websocket handshake.
func (s *Signer) Sign(timestamp, verb, path, body string) string {
	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(verb))
	mac.Write([]byte(path))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// Apply stamps the authentication headers onto req. body must match the
// request payload exactly.
func (s *Signer) Apply(req *http.Request, body string) {
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	req.Header.Set(headerAPIKey, s.apiKey)
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerSignature, s.Sign(timestamp, req.Method, req.URL.RequestURI(), body))
}

// HandshakeHeaders returns the headers that authenticate a websocket
// upgrade. The venue signs the GET of the socket path with an empty body.
func (s *Signer) HandshakeHeaders(wsPath string) http.Header {
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	h := http.Header{}
	h.Set(headerAPIKey, s.apiKey)
	h.Set(headerTimestamp, timestamp)
	h.Set(headerSignature, s.Sign(timestamp, http.MethodGet, wsPath, ""))
	return h
}
