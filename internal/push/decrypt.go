package push

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	saltLen      = 16
	headerLen    = saltLen + 4 + 1
	gcmTagLen    = 16
	minRecordLen = gcmTagLen + 2
)

var (
	webPushInfo = []byte("WebPush: info\x00")
	cekInfo     = []byte("Content-Encoding: aes128gcm\x00")
	nonceInfo   = []byte("Content-Encoding: nonce\x00")
)

// Decrypt 解密 aes128gcm 编码的推送消息体 (RFC 8188 / RFC 8291)
func (s Subscription) Decrypt(body []byte) ([]byte, error) {
	private, err := ecdh.P256().NewPrivateKey(decodeKey(s.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %w", ErrInvalidSubscription, err)
	}
	auth := decodeKey(s.Keys.Auth)
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: auth secret is empty", ErrInvalidSubscription)
	}

	if len(body) < headerLen {
		return nil, fmt.Errorf("%w: header too short", ErrInvalidPayload)
	}
	salt := body[:saltLen]
	rs := int(binary.BigEndian.Uint32(body[saltLen : saltLen+4]))
	idLen := int(body[saltLen+4])
	if rs < minRecordLen || len(body) < headerLen+idLen {
		return nil, fmt.Errorf("%w: malformed header", ErrInvalidPayload)
	}
	senderKey := body[headerLen : headerLen+idLen]
	records := body[headerLen+idLen:]

	sender, err := ecdh.P256().NewPublicKey(senderKey)
	if err != nil {
		return nil, fmt.Errorf("%w: sender key: %w", ErrInvalidPayload, err)
	}
	secret, err := private.ECDH(sender)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	info := make([]byte, 0, len(webPushInfo)+2*len(senderKey))
	info = append(info, webPushInfo...)
	info = append(info, private.PublicKey().Bytes()...)
	info = append(info, senderKey...)
	ikm, err := readKey(hkdf.New(sha256.New, secret, auth, info), 32)
	if err != nil {
		return nil, err
	}
	prk := hkdf.Extract(sha256.New, ikm, salt)
	cek, err := readKey(hkdf.Expand(sha256.New, prk, cekInfo), 16)
	if err != nil {
		return nil, err
	}
	nonce, err := readKey(hkdf.Expand(sha256.New, prk, nonceInfo), 12)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no records", ErrInvalidPayload)
	}
	var plain []byte
	for seq := 0; len(records) > 0; seq++ {
		n := min(rs, len(records))
		record, err := gcm.Open(nil, recordNonce(nonce, uint64(seq)), records[:n], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrInvalidPayload, seq, err)
		}
		records = records[n:]
		last := len(records) == 0
		content, err := unpad(record, last)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrInvalidPayload, seq, err)
		}
		plain = append(plain, content...)
	}
	return plain, nil
}

func decodeKey(value string) []byte {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil {
		return nil
	}
	return data
}

func readKey(r io.Reader, n int) ([]byte, error) {
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// 第 seq 条记录的 nonce = NONCE XOR seq (96 位大端)
func recordNonce(base []byte, seq uint64) []byte {
	nonce := make([]byte, len(base))
	copy(nonce, base)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(seq >> (8 * i))
	}
	return nonce
}

// 去掉填充：最后一个非零字节是分隔符，末条记录为 0x02，其余为 0x01
func unpad(record []byte, last bool) ([]byte, error) {
	i := len(record) - 1
	for i >= 0 && record[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, fmt.Errorf("missing padding delimiter")
	}
	want := byte(1)
	if last {
		want = 2
	}
	if record[i] != want {
		return nil, fmt.Errorf("unexpected padding delimiter %#x", record[i])
	}
	return record[:i], nil
}
