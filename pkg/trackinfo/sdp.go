package trackinfo

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// SupportedCryptoSuite единственный поддерживаемый набор SDES
const SupportedCryptoSuite = "AES_CM_128_HMAC_SHA1_80"

// ParseSessionDescription разбирает SDP описание
func ParseSessionDescription(raw []byte) (*sdp.SessionDescription, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("ошибка разбора SDP: %w", err)
	}
	return sd, nil
}

// DescriptorFromSDP извлекает параметры трека из первого медиа описания
// подходящего типа (video для ReceiveVideo, audio для аудио треков).
//
// Используются: адрес из c= (уровень медиа или сессии), порт из m=,
// первый payload type из m=, clock rate и каналы из a=rtpmap,
// a=ssrc и ключ из a=crypto (inline, base64 ключ||соль).
func DescriptorFromSDP(kind Kind, sd *sdp.SessionDescription) (Descriptor, error) {
	if sd == nil {
		return Descriptor{}, fmt.Errorf("SDP не может быть nil")
	}

	want := "audio"
	if kind == ReceiveVideo {
		want = "video"
	}

	var md *sdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == want {
			md = m
			break
		}
	}
	if md == nil {
		return Descriptor{}, fmt.Errorf("в SDP нет медиа описания %s", want)
	}

	var desc Descriptor
	desc.Port = md.MediaName.Port.Value

	switch {
	case md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil:
		desc.ServerAddress = md.ConnectionInformation.Address.Address
	case sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil:
		desc.ServerAddress = sd.ConnectionInformation.Address.Address
	}

	if len(md.MediaName.Formats) > 0 {
		pt, err := strconv.ParseUint(md.MediaName.Formats[0], 10, 8)
		if err != nil {
			return Descriptor{}, fmt.Errorf("некорректный payload type %q: %w", md.MediaName.Formats[0], err)
		}
		desc.PayloadType = uint8(pt)

		if codec, err := sd.GetCodecForPayloadType(desc.PayloadType); err == nil {
			desc.SampleRate = int(codec.ClockRate)
			if codec.EncodingParameters != "" {
				if ch, err := strconv.Atoi(codec.EncodingParameters); err == nil {
					desc.Channels = ch
				}
			}
		}
	}

	for _, attr := range md.Attributes {
		switch attr.Key {
		case "ssrc":
			fields := strings.Fields(attr.Value)
			if len(fields) == 0 {
				continue
			}
			ssrc, err := strconv.ParseUint(fields[0], 10, 32)
			if err != nil {
				return Descriptor{}, fmt.Errorf("некорректный ssrc %q: %w", fields[0], err)
			}
			if desc.SSRC == 0 {
				desc.SSRC = uint32(ssrc)
			}
		case "crypto":
			if len(desc.Key) > 0 {
				continue
			}
			key, err := parseCryptoAttribute(attr.Value)
			if err != nil {
				return Descriptor{}, err
			}
			desc.Key = key
		}
	}

	return desc, nil
}

// ApplySessionDescription записывает параметры трека из SDP в хранилище.
// Отсутствующие в SDP поля не затирают ранее полученные значения.
func (s *Store) ApplySessionDescription(kind Kind, sd *sdp.SessionDescription) error {
	if !kind.Valid() {
		return fmt.Errorf("неизвестный трек %d", int(kind))
	}
	desc, err := DescriptorFromSDP(kind, sd)
	if err != nil {
		return err
	}
	s.Set(kind, desc)
	zero(desc.Key)
	return nil
}

// parseCryptoAttribute разбирает значение "1 AES_CM_128_HMAC_SHA1_80 inline:<base64>|2^20|1:32"
func parseCryptoAttribute(value string) ([]byte, error) {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return nil, fmt.Errorf("некорректный атрибут crypto %q", value)
	}
	if fields[1] != SupportedCryptoSuite {
		return nil, fmt.Errorf("неподдерживаемый crypto suite %s", fields[1])
	}
	params := fields[2]
	if !strings.HasPrefix(params, "inline:") {
		return nil, fmt.Errorf("ожидался метод inline в атрибуте crypto")
	}
	encoded := strings.TrimPrefix(params, "inline:")
	if i := strings.IndexByte(encoded, '|'); i >= 0 {
		encoded = encoded[:i]
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("ошибка декодирования ключа crypto: %w", err)
	}
	return key, nil
}
