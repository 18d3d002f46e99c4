package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventName identifies websocket payload variants.
type EventName string

const (
	EventSetLanguages     EventName = "set_languages"
	EventAudioData        EventName = "audio_data"
	EventConnected        EventName = "connected"
	EventLanguagesUpdated EventName = "languages_updated"
	EventTranslation      EventName = "translation_result"
	EventTranslatedAudio  EventName = "translated_audio"
	EventError            EventName = "error"
)

// Stage tags carried by error events.
const (
	StageTransport  = "transport"
	StageSession    = "session"
	StageRecognize  = "recognize"
	StageTranslate  = "translate"
	StageSynthesize = "synthesize"
	StageCapacity   = "capacity"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrMalformed       = errors.New("malformed message")
)

// Envelope is the frame shape in both directions.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is the closed set of client events.
type Inbound interface {
	inbound()
	Name() EventName
}

type SetLanguages struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// AudioData carries the decoded audio bytes of an audio_data event.
type AudioData struct {
	Audio []byte
}

func (SetLanguages) inbound()        {}
func (SetLanguages) Name() EventName { return EventSetLanguages }
func (AudioData) inbound()           {}
func (AudioData) Name() EventName    { return EventAudioData }

// Outbound is any server event.
type Outbound interface {
	Name() EventName
}

type Connected struct {
	UserID             string            `json:"userId"`
	Message            string            `json:"message"`
	SupportedLanguages map[string]string `json:"supportedLanguages"`
}

type LanguagesUpdated struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type TranslationResult struct {
	OriginalText   string `json:"originalText"`
	TranslatedText string `json:"translatedText"`
	SourceLang     string `json:"sourceLang"`
	TargetLang     string `json:"targetLang"`
}

type TranslatedAudio struct {
	AudioURL string `json:"audioUrl"`
	Text     string `json:"text"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

func (Connected) Name() EventName         { return EventConnected }
func (LanguagesUpdated) Name() EventName  { return EventLanguagesUpdated }
func (TranslationResult) Name() EventName { return EventTranslation }
func (TranslatedAudio) Name() EventName   { return EventTranslatedAudio }
func (ErrorEvent) Name() EventName        { return EventError }

type audioPayload struct {
	Audio *string `json:"audio"`
}

type languagesPayload struct {
	Source *string `json:"source"`
	Target *string `json:"target"`
}

// ParseClientMessage validates a client frame and returns its typed event.
// Missing language fields become empty strings, which the session layer
// replaces with defaults.
func ParseClientMessage(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrMalformed, err)
	}

	switch env.Event {
	case EventAudioData:
		var p audioPayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return nil, err
		}
		if p.Audio == nil || strings.TrimSpace(*p.Audio) == "" {
			return nil, fmt.Errorf("%w: audio_data requires audio", ErrMalformed)
		}
		audio, err := decodeBase64(*p.Audio)
		if err != nil {
			return nil, fmt.Errorf("%w: audio is not base64: %v", ErrMalformed, err)
		}
		return AudioData{Audio: audio}, nil
	case EventSetLanguages:
		var p languagesPayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return nil, err
		}
		msg := SetLanguages{}
		if p.Source != nil {
			msg.Source = *p.Source
		}
		if p.Target != nil {
			msg.Target = *p.Target
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Event)
	}
}

// Encode wraps an outbound event in its envelope.
func Encode(msg Outbound) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: msg.Name(), Data: data})
}

func unmarshalData(data json.RawMessage, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// decodeBase64 accepts standard or URL alphabets, padded or not, and strips a
// data: URL prefix.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return nil, err
}
