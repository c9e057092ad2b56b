package leg_builder

import (
	"fmt"
	"time"
)

// ElementKinds типы элементов, из которых собираются ноги.
// Значения передаются движку как есть.
type ElementKinds struct {
	// Транспорт и шифрование
	UDPSource string `yaml:"udp_source"`
	UDPSink   string `yaml:"udp_sink"`
	Decrypter string `yaml:"decrypter"`
	Encrypter string `yaml:"encrypter"`

	// Входящее видео
	VideoDepayloader string `yaml:"video_depayloader"`
	VideoParser      string `yaml:"video_parser"`
	VideoDecoder     string `yaml:"video_decoder"`
	VideoSink        string `yaml:"video_sink"`

	// Аудио
	AudioDepayloader string `yaml:"audio_depayloader"`
	AudioPayloader   string `yaml:"audio_payloader"`
	AudioSource      string `yaml:"audio_source"`
	AudioSink        string `yaml:"audio_sink"`
	AudioConverter   string `yaml:"audio_converter"`
	AudioResampler   string `yaml:"audio_resampler"`
	Gain             string `yaml:"gain"`

	Queue string `yaml:"queue"`

	// Воспроизведение RTSP
	RTSPSource     string `yaml:"rtsp_source"`
	Decoder        string `yaml:"decoder"`
	VideoConverter string `yaml:"video_converter"`
}

// Нижние транспорты RTSP (битовая маска свойства protocols)
const (
	RTSPLowerTransUDP          uint = 0x1
	RTSPLowerTransUDPMulticast uint = 0x2
	RTSPLowerTransTCP          uint = 0x4
)

// RTSPConfig параметры воспроизведения RTSP потока
type RTSPConfig struct {
	Protocols  uint          `yaml:"protocols"`
	TCPTimeout time.Duration `yaml:"tcp_timeout"`
}

// Config параметры построения ног
type Config struct {
	Elements ElementKinds `yaml:"elements"`

	// Значения по умолчанию для незаполненных полей дескриптора
	VideoClockRate    int    `yaml:"video_clock_rate"`
	VideoPayloadType  uint8  `yaml:"video_payload_type"`
	AudioSampleRate   int    `yaml:"audio_sample_rate"`
	AudioChannels     int    `yaml:"audio_channels"`
	AudioPayloadType  uint8  `yaml:"audio_payload_type"`
	VideoEncodingName string `yaml:"video_encoding_name"`
	AudioEncodingName string `yaml:"audio_encoding_name"`

	// MuteByDefault аудио ноги создаются с выключенным звуком,
	// включает его вызывающая сторона
	MuteByDefault bool `yaml:"mute_by_default"`
	// AllowUnencryptedSend разрешает отправку аудио без шифрования,
	// если стадию шифрования не удалось создать
	AllowUnencryptedSend bool `yaml:"allow_unencrypted_send"`

	RTSP RTSPConfig `yaml:"rtsp"`
}

// DefaultConfig возвращает конфигурацию для H.264 видео и L16 аудио
func DefaultConfig() Config {
	return Config{
		Elements: ElementKinds{
			UDPSource: "udpsrc",
			UDPSink:   "udpsink",
			Decrypter: "srtpdec",
			Encrypter: "srtpenc",

			VideoDepayloader: "rtph264depay",
			VideoParser:      "h264parse",
			VideoDecoder:     "avdec_h264",
			VideoSink:        "autovideosink",

			AudioDepayloader: "rtpL16depay",
			AudioPayloader:   "rtpL16pay",
			AudioSource:      "autoaudiosrc",
			AudioSink:        "autoaudiosink",
			AudioConverter:   "audioconvert",
			AudioResampler:   "audioresample",
			Gain:             "volume",

			Queue: "queue",

			RTSPSource:     "rtspsrc",
			Decoder:        "decodebin",
			VideoConverter: "autovideoconvert",
		},
		VideoClockRate:       90000,
		VideoPayloadType:     96,
		AudioSampleRate:      16000,
		AudioChannels:        1,
		AudioPayloadType:     96,
		VideoEncodingName:    "H264",
		AudioEncodingName:    "L16",
		MuteByDefault:        true,
		AllowUnencryptedSend: true,
		RTSP: RTSPConfig{
			Protocols:  RTSPLowerTransTCP,
			TCPTimeout: 15 * time.Second,
		},
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	kinds := map[string]string{
		"udp_source":        c.Elements.UDPSource,
		"udp_sink":          c.Elements.UDPSink,
		"decrypter":         c.Elements.Decrypter,
		"encrypter":         c.Elements.Encrypter,
		"video_depayloader": c.Elements.VideoDepayloader,
		"video_parser":      c.Elements.VideoParser,
		"video_decoder":     c.Elements.VideoDecoder,
		"video_sink":        c.Elements.VideoSink,
		"audio_depayloader": c.Elements.AudioDepayloader,
		"audio_payloader":   c.Elements.AudioPayloader,
		"audio_source":      c.Elements.AudioSource,
		"audio_sink":        c.Elements.AudioSink,
		"audio_converter":   c.Elements.AudioConverter,
		"audio_resampler":   c.Elements.AudioResampler,
		"gain":              c.Elements.Gain,
		"queue":             c.Elements.Queue,
		"rtsp_source":       c.Elements.RTSPSource,
		"decoder":           c.Elements.Decoder,
		"video_converter":   c.Elements.VideoConverter,
	}
	for name, kind := range kinds {
		if kind == "" {
			return fmt.Errorf("тип элемента %s не может быть пустым", name)
		}
	}

	if c.VideoClockRate <= 0 {
		return fmt.Errorf("VideoClockRate должен быть больше 0")
	}
	if c.AudioSampleRate <= 0 {
		return fmt.Errorf("AudioSampleRate должен быть больше 0")
	}
	if c.AudioChannels <= 0 {
		return fmt.Errorf("AudioChannels должен быть больше 0")
	}
	if c.VideoPayloadType > 127 || c.AudioPayloadType > 127 {
		return fmt.Errorf("payload type должен быть в диапазоне 0-127")
	}
	all := RTSPLowerTransUDP | RTSPLowerTransUDPMulticast | RTSPLowerTransTCP
	if c.RTSP.Protocols == 0 || c.RTSP.Protocols&^all != 0 {
		return fmt.Errorf("недопустимый набор транспортов RTSP: %#x", c.RTSP.Protocols)
	}
	if c.RTSP.TCPTimeout <= 0 {
		return fmt.Errorf("RTSP tcp_timeout должен быть больше 0")
	}
	return nil
}
