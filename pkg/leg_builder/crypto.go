package leg_builder

import (
	"fmt"

	"github.com/pion/srtp/v3"

	"github.com/arzzra/media_session/pkg/engine"
)

// Параметры ключевого материала AES_CM_128_HMAC_SHA1_80, набора по умолчанию
const (
	MasterKeyLen  = 16
	MasterSaltLen = 14
	KeyLen        = MasterKeyLen + MasterSaltLen

	Cipher = "aes-128-icm"
	Auth   = "hmac-sha1-80"
)

// Suite набор SRTP защиты. Набор определяется длиной ключа
// (master key || master salt), другой информации о нем у ноги нет.
type Suite struct {
	Profile srtp.ProtectionProfile
	Cipher  string
	Auth    string
}

var suites = []Suite{
	{Profile: srtp.ProtectionProfileAes128CmHmacSha1_80, Cipher: Cipher, Auth: Auth},
	{Profile: srtp.ProtectionProfileAes256CmHmacSha1_80, Cipher: "aes-256-icm", Auth: "hmac-sha1-80"},
	{Profile: srtp.ProtectionProfileAeadAes128Gcm, Cipher: "aes-128-gcm", Auth: "null"},
	{Profile: srtp.ProtectionProfileAeadAes256Gcm, Cipher: "aes-256-gcm", Auth: "null"},
}

// SuiteForKey выбирает набор по длине ключа: 30 байт AES_CM_128_HMAC_SHA1_80,
// 46 AES_256_CM_HMAC_SHA1_80, 28 AEAD_AES_128_GCM, 44 AEAD_AES_256_GCM.
// Из ключа должен строиться SRTP контекст.
func SuiteForKey(key []byte) (Suite, error) {
	for _, suite := range suites {
		keyLen, err := suite.Profile.KeyLen()
		if err != nil {
			return Suite{}, err
		}
		saltLen, err := suite.Profile.SaltLen()
		if err != nil {
			return Suite{}, err
		}
		if len(key) != keyLen+saltLen {
			continue
		}
		if _, err := srtp.CreateContext(key[:keyLen], key[keyLen:], suite.Profile); err != nil {
			return Suite{}, fmt.Errorf("не удалось создать SRTP контекст %s: %w", suite.Profile, err)
		}
		return suite, nil
	}
	return Suite{}, fmt.Errorf("длина ключа %d байт не подходит ни одному SRTP профилю", len(key))
}

// ValidateKey проверяет, что из ключа можно построить SRTP контекст
func ValidateKey(key []byte) error {
	_, err := SuiteForKey(key)
	return err
}

// srtpCaps профиль зашифрованного потока на входе стадии расшифровки
func srtpCaps(media string, pt uint8, clockRate int, encoding string, ssrc uint32, suite Suite) engine.Caps {
	return engine.Caps{
		MimeType:     "application/x-srtp",
		Media:        media,
		PayloadType:  int(pt),
		ClockRate:    clockRate,
		EncodingName: encoding,
		SSRC:         ssrc,
		SRTPCipher:   suite.Cipher,
		SRTPAuth:     suite.Auth,
	}
}

// keyRequest отдает ключ только для SSRC дескриптора. Нулевой SSRC
// означает, что источник заранее не известен, и ключ отдается любому.
// Движок получает сам буфер ноги без копий: нога обнуляет его при разборе.
func keyRequest(key []byte, expected uint32) (engine.KeyRequestFunc, []byte) {
	own := append([]byte(nil), key...)
	return func(ssrc uint32) []byte {
		if expected != 0 && ssrc != expected {
			return nil
		}
		return own
	}, own
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
