package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/babelrelay/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey       string
	WSBaseURL    string
	VoiceID      string
	ModelID      string
	OutputFormat string
	Stability    float64
	Similarity   float64
	MaxAttempts  int
}

// ElevenLabsSynthesizer renders speech over the ElevenLabs stream-input
// websocket. Each call opens its own stream, sends the whole text and
// collects audio chunks until the final marker.
type ElevenLabsSynthesizer struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) (*ElevenLabsSynthesizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("elevenlabs api key is required")
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		return nil, errors.New("elevenlabs voice id is required")
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	cfg.Stability = clampUnit(cfg.Stability, 0.42)
	cfg.Similarity = clampUnit(cfg.Similarity, 0.85)
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	return &ElevenLabsSynthesizer{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

func clampUnit(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	return min(v, 1)
}

type elevenChunk struct {
	Audio       string `json:"audio"`
	IsFinal     bool   `json:"isFinal"`
	IsFinalAlt  bool   `json:"is_final"`
	Error       string `json:"error"`
	MessageType string `json:"message_type"`
}

func (p *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text, lang string) (Speech, error) {
	if strings.TrimSpace(text) == "" {
		return Speech{}, errors.New("nothing to synthesize")
	}
	var out []byte
	err := reliability.Do(ctx, p.cfg.MaxAttempts, 200*time.Millisecond, 2*time.Second, func(ctx context.Context) error {
		var err error
		out, err = p.stream(ctx, text, lang)
		return err
	})
	if err != nil {
		return Speech{}, err
	}
	return Speech{Audio: out, Format: p.format()}, nil
}

func (p *ElevenLabsSynthesizer) stream(ctx context.Context, text, lang string) ([]byte, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(p.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.ModelID)
	q.Set("output_format", p.cfg.OutputFormat)
	if lang != "" {
		q.Set("language_code", lang)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, res, err := p.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if res != nil && reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return nil, &reliability.Retryable{Err: fmt.Errorf("dial tts websocket: %w", err)}
		}
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	frames := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        p.cfg.Stability,
				"similarity_boost": p.cfg.Similarity,
			},
		},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			return nil, &reliability.Retryable{Err: fmt.Errorf("write tts frame: %w", err)}
		}
	}

	var audio bytes.Buffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// The server closes the stream after the last chunk.
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && audio.Len() > 0 {
				return audio.Bytes(), nil
			}
			return nil, &reliability.Retryable{Err: fmt.Errorf("read tts stream: %w", err)}
		}
		var chunk elevenChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			err := fmt.Errorf("tts stream error %s: %s", chunk.MessageType, chunk.Error)
			if reliability.IsRetryableRealtimeMessageType(chunk.MessageType) {
				return nil, &reliability.Retryable{Err: err}
			}
			return nil, err
		}
		if chunk.Audio != "" {
			b, err := base64.StdEncoding.DecodeString(chunk.Audio)
			if err != nil {
				return nil, fmt.Errorf("decode tts chunk: %w", err)
			}
			audio.Write(b)
		}
		if chunk.IsFinal || chunk.IsFinalAlt {
			if audio.Len() == 0 {
				return nil, errors.New("tts stream ended without audio")
			}
			return audio.Bytes(), nil
		}
	}
}

func (p *ElevenLabsSynthesizer) format() string {
	codec, _, _ := strings.Cut(p.cfg.OutputFormat, "_")
	switch codec {
	case "pcm", "ulaw", "alaw":
		return "raw"
	case "":
		return "mp3"
	default:
		return codec
	}
}
