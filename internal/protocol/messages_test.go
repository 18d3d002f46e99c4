package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessageAudioData(t *testing.T) {
	raw := []byte(`{"event":"audio_data","data":{"audio":"AQID"}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	audio, ok := msg.(AudioData)
	if !ok {
		t.Fatalf("message type = %T, want AudioData", msg)
	}
	if string(audio.Audio) != "\x01\x02\x03" {
		t.Fatalf("Audio = %v, want [1 2 3]", audio.Audio)
	}
}

func TestParseClientMessageAcceptsUnpaddedAndDataURL(t *testing.T) {
	for _, payload := range []string{"AQI", "data:audio/wav;base64,AQI="} {
		raw, _ := json.Marshal(map[string]any{"event": "audio_data", "data": map[string]string{"audio": payload}})
		msg, err := ParseClientMessage(raw)
		if err != nil {
			t.Fatalf("ParseClientMessage(%q) error = %v", payload, err)
		}
		if got := msg.(AudioData).Audio; string(got) != "\x01\x02" {
			t.Fatalf("Audio(%q) = %v, want [1 2]", payload, got)
		}
	}
}

func TestParseClientMessageSetLanguages(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"event":"set_languages","data":{"source":"en","target":"fr"}}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	langs, ok := msg.(SetLanguages)
	if !ok {
		t.Fatalf("message type = %T, want SetLanguages", msg)
	}
	if langs.Source != "en" || langs.Target != "fr" {
		t.Fatalf("unexpected languages: %+v", langs)
	}

	msg, err = ParseClientMessage([]byte(`{"event":"set_languages","data":{"target":"de"}}`))
	if err != nil {
		t.Fatalf("ParseClientMessage(partial) error = %v", err)
	}
	if got := msg.(SetLanguages); got.Source != "" || got.Target != "de" {
		t.Fatalf("partial languages = %+v", got)
	}
}

func TestParseClientMessageRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"unknown event", `{"event":"wat","data":{}}`, ErrUnsupportedType},
		{"not json", `audio please`, ErrMalformed},
		{"missing data", `{"event":"audio_data"}`, ErrMalformed},
		{"empty audio", `{"event":"audio_data","data":{"audio":""}}`, ErrMalformed},
		{"bad base64", `{"event":"audio_data","data":{"audio":"!!!"}}`, ErrMalformed},
		{"wrong field type", `{"event":"set_languages","data":{"source":7}}`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.raw))
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestEncodeWrapsEnvelope(t *testing.T) {
	raw, err := Encode(TranslationResult{OriginalText: "hello", TranslatedText: "hola", SourceLang: "en", TargetLang: "es"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var env struct {
		Event string            `json:"event"`
		Data  map[string]string `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Event != "translation_result" || env.Data["translatedText"] != "hola" || env.Data["sourceLang"] != "en" {
		t.Fatalf("unexpected envelope: %s", raw)
	}
}

func TestEncodeErrorOmitsEmptyStage(t *testing.T) {
	raw, err := Encode(ErrorEvent{Message: "boom"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(raw) != `{"event":"error","data":{"message":"boom"}}` {
		t.Fatalf("Encode() = %s", raw)
	}
}

func BenchmarkParseClientMessageAudio(b *testing.B) {
	raw := []byte(`{"event":"audio_data","data":{"audio":"AQIDBAUGBwgJCgsMDQ4P"}}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(AudioData); !ok {
			b.Fatalf("message type = %T, want AudioData", msg)
		}
	}
}
