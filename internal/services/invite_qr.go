package services

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"
)

const inviteQRSize = 256

// InviteQRService renders the join link for an invite token as a QR code.
type InviteQRService struct {
	baseURL string
}

func NewInviteQRService(baseURL string) *InviteQRService {
	return &InviteQRService{baseURL: strings.TrimRight(baseURL, "/")}
}

// JoinURL is the link a counterparty opens to accept the invite.
func (s *InviteQRService) JoinURL(token string) string {
	return s.baseURL + "/join?token=" + url.QueryEscape(token)
}

// RenderPNG encodes the join URL for token as a PNG image.
func (s *InviteQRService) RenderPNG(token string) ([]byte, error) {
	qr, err := qrcode.New(s.JoinURL(token), qrcode.Medium)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(inviteQRSize)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderBase64 is RenderPNG encoded for embedding in JSON.
func (s *InviteQRService) RenderBase64(token string) (string, error) {
	img, err := s.RenderPNG(token)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(img), nil
}
