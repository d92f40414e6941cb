package msgcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/loopreply/wegate/pkg/signature"
)

// PKCS#7 with the platform's 32 byte blocks, not the AES block size.
const padBlockSize = 32

const randomPrefixSize = 16

var ErrorInvalidAESKey = errors.New("encoding aes key must decode to 32 bytes")
var ErrorInvalidSignature = errors.New("message signature mismatch")
var ErrorInvalidCiphertext = errors.New("invalid ciphertext")
var ErrorAppIDMismatch = errors.New("app id mismatch")

type Codec struct {
	token string
	appID string
	key   []byte
	iv    []byte
}

func New(token, encodingAESKey, appID string) (*Codec, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("decoding aes key: %w", err)
	}
	if len(key) != 32 {
		return nil, ErrorInvalidAESKey
	}
	return &Codec{
		token: token,
		appID: appID,
		key:   key,
		iv:    key[:aes.BlockSize],
	}, nil
}

// Encrypt wraps the plaintext in the platform envelope
// [16 random bytes][4 byte big-endian length][plaintext][app id],
// pads, encrypts with AES-256-CBC and returns base64.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	prefix := make([]byte, randomPrefixSize)
	if _, err := io.ReadFull(rand.Reader, prefix); err != nil {
		return "", fmt.Errorf("generating random prefix: %w", err)
	}

	envelope := bytes.NewBuffer(prefix)
	if err := binary.Write(envelope, binary.BigEndian, uint32(len(plaintext))); err != nil {
		return "", fmt.Errorf("encoding payload length: %w", err)
	}
	envelope.Write(plaintext)
	envelope.WriteString(c.appID)

	padded := pad(envelope.Bytes())

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (c *Codec) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, ErrorInvalidCiphertext
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(plain, raw)

	plain, err = unpad(plain)
	if err != nil {
		return nil, err
	}
	if len(plain) < randomPrefixSize+4 {
		return nil, ErrorInvalidCiphertext
	}

	length := binary.BigEndian.Uint32(plain[randomPrefixSize : randomPrefixSize+4])
	payloadStart := randomPrefixSize + 4
	if int(length) > len(plain)-payloadStart {
		return nil, ErrorInvalidCiphertext
	}
	payload := plain[payloadStart : payloadStart+int(length)]
	if string(plain[payloadStart+int(length):]) != c.appID {
		return nil, ErrorAppIDMismatch
	}
	return payload, nil
}

type encryptedEnvelope struct {
	XMLName xml.Name `xml:"xml"`
	ToUser  string   `xml:"ToUserName"`
	Encrypt string   `xml:"Encrypt"`
}

type encryptedReply struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      charData `xml:"Encrypt"`
	MsgSignature charData `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        charData `xml:"Nonce"`
}

type charData struct {
	Text string `xml:",cdata"`
}

// DecryptEnvelope verifies the message signature over the <Encrypt> element
// of an inbound POST body and returns the decrypted payload.
func (c *Codec) DecryptEnvelope(body []byte, msgSignature, timestamp, nonce string) ([]byte, error) {
	envelope := encryptedEnvelope{}
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing encrypted envelope: %w", err)
	}
	if envelope.Encrypt == "" {
		return nil, ErrorInvalidCiphertext
	}
	if !signature.VerifyMessage(c.token, timestamp, nonce, envelope.Encrypt, msgSignature) {
		return nil, ErrorInvalidSignature
	}
	return c.Decrypt(envelope.Encrypt)
}

// EncryptReply builds the outbound encrypted envelope, reusing the
// timestamp and nonce of the request being answered.
func (c *Codec) EncryptReply(replyXML []byte, timestamp, nonce string) ([]byte, error) {
	ciphertext, err := c.Encrypt(replyXML)
	if err != nil {
		return nil, err
	}
	reply := encryptedReply{
		Encrypt:      charData{ciphertext},
		MsgSignature: charData{signature.Compute(c.token, timestamp, nonce, ciphertext)},
		TimeStamp:    timestamp,
		Nonce:        charData{nonce},
	}
	out, err := xml.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("encoding encrypted reply: %w", err)
	}
	return out, nil
}

func pad(data []byte) []byte {
	amount := padBlockSize - len(data)%padBlockSize
	if amount == 0 {
		amount = padBlockSize
	}
	return append(data, bytes.Repeat([]byte{byte(amount)}, amount)...)
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrorInvalidCiphertext
	}
	amount := int(data[len(data)-1])
	if amount < 1 || amount > padBlockSize || amount > len(data) {
		return nil, ErrorInvalidCiphertext
	}
	return data[:len(data)-amount], nil
}
