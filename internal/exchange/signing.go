package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"tradetracker/pkg/crypto"
)

// Подписи бирж. Секрет открывается только на время вычисления HMAC.

// hmacSHA256 считает HMAC-SHA256 от payload запечатанным секретом
func hmacSHA256(secret *crypto.Sealed, payload string) ([]byte, error) {
	var sum []byte
	err := secret.Use(func(key []byte) error {
		h := hmac.New(sha256.New, key)
		h.Write([]byte(payload))
		sum = h.Sum(nil)
		return nil
	})
	return sum, err
}

// hmacHex HMAC-SHA256 в hex (Binance, Bitmex, Bybit, FTX)
func hmacHex(secret *crypto.Sealed, payload string) (string, error) {
	sum, err := hmacSHA256(secret, payload)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// hmacBase64 HMAC-SHA256 в base64 (KuCoin, OKX)
func hmacBase64(secret *crypto.Sealed, payload string) (string, error) {
	sum, err := hmacSHA256(secret, payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sum), nil
}

// binanceSignature подпись query-строки Binance (timestamp уже в query)
func binanceSignature(secret *crypto.Sealed, query, body string) (string, error) {
	return hmacHex(secret, query+body)
}

// bitmexSignature HMAC(method + path + expires + body), path включает query
func bitmexSignature(secret *crypto.Sealed, method, path, expires, body string) (string, error) {
	return hmacHex(secret, method+path+expires+body)
}

// bybitSignature HMAC от query-строки с отсортированными ключами (api_key и timestamp входят в нее)
func bybitSignature(secret *crypto.Sealed, sortedQuery string) (string, error) {
	return hmacHex(secret, sortedQuery)
}

// ftxSignature HMAC(ts + method + path + body)
func ftxSignature(secret *crypto.Sealed, ts, method, path, body string) (string, error) {
	return hmacHex(secret, ts+method+path+body)
}

// kucoinSignature base64(HMAC(ts + method + endpoint + body)), endpoint включает query
func kucoinSignature(secret *crypto.Sealed, ts, method, endpoint, body string) (string, error) {
	return hmacBase64(secret, ts+method+endpoint+body)
}

// kucoinPassphrase passphrase ключей v2 подписывается тем же секретом
func kucoinPassphrase(secret, passphrase *crypto.Sealed) (string, error) {
	var out string
	err := passphrase.Use(func(p []byte) error {
		var err error
		out, err = hmacBase64(secret, string(p))
		return err
	})
	return out, err
}

// okxSignature base64(HMAC(isoTs + method + requestPath + body))
func okxSignature(secret *crypto.Sealed, ts, method, requestPath, body string) (string, error) {
	return hmacBase64(secret, ts+method+requestPath+body)
}
