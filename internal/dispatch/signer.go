package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrReplayWindowExceeded is returned when timestamp is outside replay window.
	ErrReplayWindowExceeded = errors.New("timestamp outside replay window")
	// ErrInvalidSignature is returned when signature verification fails.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMalformedSignature is returned when the header cannot be parsed.
	ErrMalformedSignature = errors.New("malformed signature header")
)

// DefaultReplayWindow is the default replay protection window.
const DefaultReplayWindow = 5 * time.Minute

// GenerateSignature creates the HMAC-SHA256 of "{timestamp}.{url}".
func GenerateSignature(secret string, timestamp int64, target string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10) + "." + target))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats the X-Trackroute-Signature value: t=<unix>,v1=<hex>.
func SignatureHeader(secret string, timestamp int64, target string) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, GenerateSignature(secret, timestamp, target))
}

// VerifySignature checks a signature header against target, for receivers of signed postbacks.
func VerifySignature(secret, header, target string, now time.Time, replayWindow time.Duration) error {
	var (
		timestamp int64
		signature string
		err       error
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrMalformedSignature
		}
		switch k {
		case "t":
			timestamp, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrMalformedSignature
			}
		case "v1":
			signature = v
		}
	}
	if timestamp == 0 || signature == "" {
		return ErrMalformedSignature
	}

	if abs(now.Unix()-timestamp) > int64(replayWindow.Seconds()) {
		return ErrReplayWindowExceeded
	}

	expected := GenerateSignature(secret, timestamp, target)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
