package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/babelrelay/internal/reliability"
)

// HTTPConfig points the provider at a model service exposing /recognize,
// /translate and /synthesize.
type HTTPConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// HTTPProvider forwards each pipeline stage to a remote model service. It holds
// no per-call state and is safe for concurrent use.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Second
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type recognizeRequest struct {
	AudioBase64 string `json:"audio_base64"`
	Language    string `json:"language"`
}

type translateRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type synthesizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type textResponse struct {
	Text string `json:"text"`
}

func (p *HTTPProvider) Recognize(ctx context.Context, payload []byte, languageHint string) (string, error) {
	res, err := p.post(ctx, "/recognize", recognizeRequest{
		AudioBase64: base64.StdEncoding.EncodeToString(payload),
		Language:    languageHint,
	})
	if err != nil {
		return "", err
	}
	if res.status == http.StatusNoContent {
		return "", ErrNoSpeech
	}
	text, err := decodeText(res.body)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

func (p *HTTPProvider) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	res, err := p.post(ctx, "/translate", translateRequest{Text: text, Source: sourceLang, Target: targetLang})
	if err != nil {
		return "", err
	}
	out, err := decodeText(res.body)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", errors.New("translation service returned empty text")
	}
	return out, nil
}

func (p *HTTPProvider) Synthesize(ctx context.Context, text, lang string) (Speech, error) {
	res, err := p.post(ctx, "/synthesize", synthesizeRequest{Text: text, Language: lang})
	if err != nil {
		return Speech{}, err
	}
	if len(res.body) == 0 {
		return Speech{}, errors.New("synthesis service returned no audio")
	}
	return Speech{Audio: res.body, Format: formatFor(res.contentType)}, nil
}

type response struct {
	status      int
	contentType string
	body        []byte
}

func (p *HTTPProvider) post(ctx context.Context, path string, body any) (response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return response{}, fmt.Errorf("marshal request: %w", err)
	}

	var out response
	err = reliability.Do(ctx, p.cfg.MaxAttempts, p.cfg.BackoffBase, p.cfg.BackoffCap, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &reliability.Retryable{Err: fmt.Errorf("send request: %w", err)}
		}
		defer res.Body.Close()

		if res.StatusCode == http.StatusUnprocessableEntity {
			return ErrUnsupportedPair
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
			statusErr := fmt.Errorf("model service %s status %d: %s", path, res.StatusCode, strings.TrimSpace(string(msg)))
			if reliability.IsRetryableHTTPStatus(res.StatusCode) {
				return &reliability.Retryable{Err: statusErr}
			}
			return statusErr
		}

		data, err := io.ReadAll(res.Body)
		if err != nil {
			return &reliability.Retryable{Err: fmt.Errorf("read response: %w", err)}
		}
		out = response{status: res.StatusCode, contentType: res.Header.Get("Content-Type"), body: data}
		return nil
	})
	return out, err
}

func decodeText(body []byte) (string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return "", nil
	}
	var r textResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(r.Text), nil
}

func formatFor(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "mp3"
	}
	switch mt {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/ogg", "audio/opus":
		return "ogg"
	default:
		return "mp3"
	}
}
