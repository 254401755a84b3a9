package relay

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

// Join token versions. Version 1 references a built-in public broker
// by index; version 2 carries the broker URL verbatim.
const (
	tokenPublic  = 0x01
	tokenPrivate = 0x02
)

// EncodeJoinToken packs a relay group id and broker into the compact
// URL-safe token handed to other devices. Public brokers compress to
// 24 characters; private brokers embed the full URL.
func EncodeJoinToken(relayID, brokerURL string) (string, error) {
	id, err := uuid.Parse(relayID)
	if err != nil {
		return "", fmt.Errorf("bad relay id: %w", err)
	}
	raw := id[:]

	for i, b := range DefaultBrokers {
		if brokerURL == b.URL() || brokerURL == fmt.Sprintf("mqtt://%s:%d", b.Host, b.Port) {
			buf := append([]byte{tokenPublic}, raw...)
			buf = append(buf, byte(i))
			return base64.RawURLEncoding.EncodeToString(buf), nil
		}
	}

	buf := append([]byte{tokenPrivate}, raw...)
	buf = append(buf, []byte(brokerURL)...)
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DecodeJoinToken unpacks a join token to (relay id, broker URL).
func DecodeJoinToken(token string) (string, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("bad join token: %w", err)
	}
	if len(raw) < 18 {
		return "", "", fmt.Errorf("bad join token: too short")
	}

	id, err := uuid.FromBytes(raw[1:17])
	if err != nil {
		return "", "", fmt.Errorf("bad join token: %w", err)
	}

	switch raw[0] {
	case tokenPublic:
		idx := int(raw[17])
		if idx >= len(DefaultBrokers) {
			return "", "", fmt.Errorf("bad join token: broker index %d", idx)
		}
		return id.String(), DefaultBrokers[idx].URL(), nil
	case tokenPrivate:
		return id.String(), string(raw[17:]), nil
	default:
		return "", "", fmt.Errorf("bad join token: version %d", raw[0])
	}
}

// TokenQR renders the join command as a terminal QR code for pairing a
// phone or second machine.
func TokenQR(token string) (string, error) {
	qr, err := qrcode.New("hcom relay connect "+token, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return qr.ToSmallString(false), nil
}
