package main

import (
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arzzra/media_session/pkg/session"
	"github.com/arzzra/media_session/pkg/trackinfo"
)

// trackEntry параметры одного трека в файле треков.
// Ключ задается в base64 (мастер ключ || соль, 30 байт).
// SDP, если задан, применяется первым, отдельные поля перекрывают его.
type trackEntry struct {
	SDP           string `yaml:"sdp"`
	ServerAddress string `yaml:"server_address"`
	Port          int    `yaml:"port"`
	LocalPort     int    `yaml:"local_port"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	PayloadType   int    `yaml:"payload_type"`
	SSRC          uint32 `yaml:"ssrc"`
	Key           string `yaml:"key"`
}

// trackFile файл треков сессии.
// RTSP, если задан, запускает воспроизведение потока рядом с ногами.
type trackFile struct {
	ReceiveVideo *trackEntry `yaml:"receive_video"`
	ReceiveAudio *trackEntry `yaml:"receive_audio"`
	SendAudio    *trackEntry `yaml:"send_audio"`
	RTSP         string      `yaml:"rtsp"`
}

func loadTracks(path string) (*trackFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать файл треков: %w", err)
	}
	return parseTracks(data)
}

func parseTracks(data []byte) (*trackFile, error) {
	var tracks trackFile
	if err := yaml.Unmarshal(data, &tracks); err != nil {
		return nil, fmt.Errorf("не удалось разобрать файл треков: %w", err)
	}
	return &tracks, nil
}

func (f *trackFile) entries() map[trackinfo.Kind]*trackEntry {
	out := make(map[trackinfo.Kind]*trackEntry)
	if f.ReceiveVideo != nil {
		out[trackinfo.ReceiveVideo] = f.ReceiveVideo
	}
	if f.ReceiveAudio != nil {
		out[trackinfo.ReceiveAudio] = f.ReceiveAudio
	}
	if f.SendAudio != nil {
		out[trackinfo.SendAudio] = f.SendAudio
	}
	return out
}

// submit передает сессии все заданные поля треков в фиксированном порядке
func (f *trackFile) submit(s *session.Session) error {
	entries := f.entries()
	for _, kind := range trackinfo.Kinds {
		entry, ok := entries[kind]
		if !ok {
			continue
		}
		if err := entry.submit(s, kind); err != nil {
			return fmt.Errorf("трек %s: %w", kind, err)
		}
	}
	return nil
}

func (e *trackEntry) submit(s *session.Session, kind trackinfo.Kind) error {
	if e.SDP != "" {
		if err := s.SubmitSessionDescription(kind, []byte(e.SDP)); err != nil {
			return err
		}
	}

	fields, err := e.fields()
	if err != nil {
		return err
	}
	for _, f := range fields {
		if err := s.SubmitTrackField(kind, f.field, f.value); err != nil {
			return fmt.Errorf("поле %s: %w", f.field, err)
		}
	}
	return nil
}

type fieldValue struct {
	field trackinfo.Field
	value any
}

// fields возвращает только заданные (ненулевые) поля
func (e *trackEntry) fields() ([]fieldValue, error) {
	var out []fieldValue
	if e.ServerAddress != "" {
		out = append(out, fieldValue{trackinfo.FieldServerAddress, e.ServerAddress})
	}
	if e.Port != 0 {
		out = append(out, fieldValue{trackinfo.FieldPort, e.Port})
	}
	if e.LocalPort != 0 {
		out = append(out, fieldValue{trackinfo.FieldLocalPort, e.LocalPort})
	}
	if e.SampleRate != 0 {
		out = append(out, fieldValue{trackinfo.FieldSampleRate, e.SampleRate})
	}
	if e.Channels != 0 {
		out = append(out, fieldValue{trackinfo.FieldChannels, e.Channels})
	}
	if e.PayloadType != 0 {
		out = append(out, fieldValue{trackinfo.FieldPayloadType, e.PayloadType})
	}
	if e.SSRC != 0 {
		out = append(out, fieldValue{trackinfo.FieldSSRC, e.SSRC})
	}
	if e.Key != "" {
		key, err := base64.StdEncoding.DecodeString(e.Key)
		if err != nil {
			return nil, fmt.Errorf("ключ не в base64: %w", err)
		}
		out = append(out, fieldValue{trackinfo.FieldKey, key})
	}
	return out, nil
}
