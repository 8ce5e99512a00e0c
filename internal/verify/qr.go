package verify

import (
	"errors"

	qrcode "github.com/skip2/go-qrcode"
)

const defaultQRSize = 256

// VerificationQR renders the session's verification URL as a PNG QR code so
// the hand-off can be scanned from another device.
func VerificationQR(session *Session, size int) ([]byte, error) {
	if session == nil || session.VerificationURL == "" {
		return nil, errors.New("verify: session has no verification url")
	}
	if size <= 0 {
		size = defaultQRSize
	}

	return qrcode.Encode(session.VerificationURL, qrcode.Medium, size)
}
