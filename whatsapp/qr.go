package whatsapp

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
)

// QRCodePNG renders a QR payload as a size x size PNG
func QRCodePNG(payload string, size int) ([]byte, error) {
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}
	return qr.PNG(size)
}

// QRCodePNGBase64 renders a 256px PNG and returns it base64 encoded
func QRCodePNGBase64(payload string) (string, error) {
	pngData, err := QRCodePNG(payload, 256)
	if err != nil {
		return "", fmt.Errorf("failed to generate QR code PNG: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pngData), nil
}

// PrintQR draws a scannable QR code with half-block characters
func PrintQR(w io.Writer, payload string) {
	qrterminal.GenerateHalfBlock(payload, qrterminal.L, w)
}
