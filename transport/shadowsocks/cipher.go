// Copyright 2020 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shadowsocks

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cipher describes one encryption method: either an AEAD with chunk framing, or a legacy stream
// cipher that transforms bytes 1:1 after an IV.
type Cipher struct {
	name     string
	keySize  int
	saltSize int // the IV size for stream ciphers
	tagSize  int // 0 for stream ciphers

	newAEAD   func(key []byte) (cipher.AEAD, error)
	newStream func(key, iv []byte, decrypt bool) (cipher.Stream, error)
}

// List of supported AEAD ciphers, as specified at https://shadowsocks.org/guide/aead.html
var (
	CHACHA20IETFPOLY1305 = &Cipher{name: "chacha20-ietf-poly1305", keySize: chacha20poly1305.KeySize, saltSize: 32, tagSize: 16, newAEAD: chacha20poly1305.New}
	AES256GCM            = &Cipher{name: "aes-256-gcm", keySize: 32, saltSize: 32, tagSize: 16, newAEAD: newAesGCM}
	AES192GCM            = &Cipher{name: "aes-192-gcm", keySize: 24, saltSize: 24, tagSize: 16, newAEAD: newAesGCM}
	AES128GCM            = &Cipher{name: "aes-128-gcm", keySize: 16, saltSize: 16, tagSize: 16, newAEAD: newAesGCM}
)

// Legacy stream ciphers. They provide no integrity protection.
var (
	AES128CFB    = &Cipher{name: "aes-128-cfb", keySize: 16, saltSize: aes.BlockSize, newStream: newAesCFB}
	AES192CFB    = &Cipher{name: "aes-192-cfb", keySize: 24, saltSize: aes.BlockSize, newStream: newAesCFB}
	AES256CFB    = &Cipher{name: "aes-256-cfb", keySize: 32, saltSize: aes.BlockSize, newStream: newAesCFB}
	AES128CTR    = &Cipher{name: "aes-128-ctr", keySize: 16, saltSize: aes.BlockSize, newStream: newAesCTR}
	AES192CTR    = &Cipher{name: "aes-192-ctr", keySize: 24, saltSize: aes.BlockSize, newStream: newAesCTR}
	AES256CTR    = &Cipher{name: "aes-256-ctr", keySize: 32, saltSize: aes.BlockSize, newStream: newAesCTR}
	CHACHA20IETF = &Cipher{name: "chacha20-ietf", keySize: chacha20.KeySize, saltSize: chacha20.NonceSize, newStream: newChacha20}
)

var supportedCiphers = []*Cipher{
	CHACHA20IETFPOLY1305, AES256GCM, AES192GCM, AES128GCM,
	AES128CFB, AES192CFB, AES256CFB, AES128CTR, AES192CTR, AES256CTR, CHACHA20IETF,
}

// CipherByName returns a [*Cipher] with the given name, or an error if the cipher is not supported.
// AEAD ciphers also accept their IETF names (as per https://www.iana.org/assignments/aead-parameters/aead-parameters.xhtml).
func CipherByName(name string) (*Cipher, error) {
	switch strings.ToUpper(name) {
	case "AEAD_CHACHA20_POLY1305":
		return CHACHA20IETFPOLY1305, nil
	case "AEAD_AES_256_GCM":
		return AES256GCM, nil
	case "AEAD_AES_192_GCM":
		return AES192GCM, nil
	case "AEAD_AES_128_GCM":
		return AES128GCM, nil
	}
	for _, c := range supportedCiphers {
		if strings.EqualFold(c.name, name) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unsupported cipher %v", name)
}

// CipherNames lists the names accepted by [CipherByName], AEAD ciphers first.
func CipherNames() []string {
	names := make([]string, len(supportedCiphers))
	for i, c := range supportedCiphers {
		names[i] = c.name
	}
	return names
}

// Name returns the Shadowsocks name of the cipher.
func (c *Cipher) Name() string {
	return c.name
}

// IsAEAD reports whether the cipher uses the authenticated chunk framing.
func (c *Cipher) IsAEAD() bool {
	return c.newAEAD != nil
}

func newAesGCM(key []byte) (cipher.AEAD, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blk)
}

func newAesCFB(key, iv []byte, decrypt bool) (cipher.Stream, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if decrypt {
		return cipher.NewCFBDecrypter(blk, iv), nil
	}
	return cipher.NewCFBEncrypter(blk, iv), nil
}

func newAesCTR(key, iv []byte, _ bool) (cipher.Stream, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(blk, iv), nil
}

func newChacha20(key, iv []byte, _ bool) (cipher.Stream, error) {
	return chacha20.NewUnauthenticatedCipher(key, iv)
}

// EncryptionKey encapsulates a Shadowsocks cipher and the master key derived from a password.
type EncryptionKey struct {
	cipher *Cipher
	secret []byte
}

// Cipher returns the method this key is for.
func (c *EncryptionKey) Cipher() *Cipher {
	return c.cipher
}

// SaltSize is the size of the salt (or IV, for stream ciphers) that starts each direction.
func (c *EncryptionKey) SaltSize() int {
	return c.cipher.saltSize
}

// TagSize is the size of the AEAD tag, or 0 for stream ciphers.
func (c *EncryptionKey) TagSize() int {
	return c.cipher.tagSize
}

var subkeyInfo = []byte("ss-subkey")

// NewAEAD creates the AEAD for one direction, keyed by HKDF-SHA1(secret, salt, "ss-subkey").
func (c *EncryptionKey) NewAEAD(salt []byte) (cipher.AEAD, error) {
	if !c.cipher.IsAEAD() {
		return nil, fmt.Errorf("%v is not an AEAD cipher", c.cipher.name)
	}
	sessionKey := make([]byte, c.cipher.keySize)
	r := hkdf.New(sha1.New, c.secret, salt, subkeyInfo)
	if _, err := io.ReadFull(r, sessionKey); err != nil {
		return nil, err
	}
	return c.cipher.newAEAD(sessionKey)
}

// NewStream creates the keystream for one direction of a legacy stream cipher. The master key is
// used directly, and the IV makes each direction unique.
func (c *EncryptionKey) NewStream(iv []byte, decrypt bool) (cipher.Stream, error) {
	if c.cipher.newStream == nil {
		return nil, fmt.Errorf("%v is not a stream cipher", c.cipher.name)
	}
	if len(iv) != c.cipher.saltSize {
		return nil, fmt.Errorf("IV has %d bytes, expected %d", len(iv), c.cipher.saltSize)
	}
	return c.cipher.newStream(c.secret, iv, decrypt)
}

// Function definition at https://www.openssl.org/docs/manmaster/man3/EVP_BytesToKey.html
func simpleEVPBytesToKey(data []byte, keyLen int) ([]byte, error) {
	var derived, di []byte
	h := md5.New()
	for len(derived) < keyLen {
		_, err := h.Write(di)
		if err != nil {
			return nil, err
		}
		_, err = h.Write(data)
		if err != nil {
			return nil, err
		}
		derived = h.Sum(derived)
		di = derived[len(derived)-h.Size():]
		h.Reset()
	}
	return derived[:keyLen], nil
}

// NewEncryptionKey derives the master key for cipher from a human password.
func NewEncryptionKey(cipher *Cipher, secretText string) (*EncryptionKey, error) {
	if cipher == nil {
		return nil, errors.New("cipher must not be nil")
	}
	secret, err := simpleEVPBytesToKey([]byte(secretText), cipher.keySize)
	if err != nil {
		return nil, err
	}
	return &EncryptionKey{cipher, secret}, nil
}
