// Package tts provides text-to-speech synthesis for voice-note replies.
// Supports Gemini native speech generation with automatic skip rules for
// text that does not read well aloud.
package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Provider is the interface for TTS backends.
type Provider interface {
	// Synthesize converts text to audio.
	// Returns audio bytes, MIME type (e.g. "audio/wav"), and error.
	Synthesize(ctx context.Context, text, voice string) ([]byte, string, error)
}

// maxSynthesisChars bounds the text sent to the synthesis API.
const maxSynthesisChars = 4096

// GeminiProvider implements TTS via the Gemini speech generation API.
type GeminiProvider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewGeminiProvider creates a Gemini TTS provider.
func NewGeminiProvider(apiKey, baseURL, model string) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if model == "" {
		model = "gemini-2.5-flash-preview-tts"
	}
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// speechRequest is the generateContent request body for audio output.
type speechRequest struct {
	Contents         []speechContent `json:"contents"`
	GenerationConfig speechGenConfig `json:"generationConfig"`
}

type speechContent struct {
	Parts []speechPart `json:"parts"`
}

type speechPart struct {
	Text string `json:"text"`
}

type speechGenConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       speechConfig `json:"speechConfig"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoice `json:"prebuiltVoiceConfig"`
}

type prebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

// speechResponse is the generateContent response with inline audio.
type speechResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				InlineData *struct {
					MIMEType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Synthesize converts text to audio using Gemini speech generation.
// The API returns raw 24kHz mono PCM; the result is wrapped as WAV so
// messaging transports can play it directly.
func (p *GeminiProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	if voice == "" {
		voice = "Aoede"
	}
	if len(text) > maxSynthesisChars {
		text = text[:maxSynthesisChars-3] + "..."
	}

	reqBody := speechRequest{
		Contents: []speechContent{{Parts: []speechPart{{Text: text}}}},
		GenerationConfig: speechGenConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: speechConfig{
				VoiceConfig: voiceConfig{
					PrebuiltVoiceConfig: prebuiltVoice{VoiceName: voice},
				},
			},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, "", fmt.Errorf("tts: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("tts: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("tts: API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", fmt.Errorf("tts: API returned %d: %s", resp.StatusCode, string(errBody))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("tts: reading response: %w", err)
	}
	var result speechResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, "", fmt.Errorf("tts: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, "", fmt.Errorf("tts: API error: %s", result.Error.Message)
	}

	for _, cand := range result.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, "", fmt.Errorf("tts: decoding audio: %w", err)
			}
			if len(pcm) == 0 {
				continue
			}
			return wrapWAV(pcm, 24000, 1), "audio/wav", nil
		}
	}
	return nil, "", fmt.Errorf("tts: no audio in response")
}

// wrapWAV prepends a RIFF header to raw 16-bit PCM.
func wrapWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// ============================================================
// Fallback Provider (tries primary, falls back to secondary)
// ============================================================

// FallbackProvider tries the primary provider and falls back to the
// secondary if the primary fails.
type FallbackProvider struct {
	primary        Provider
	secondary      Provider
	primaryVoice   string
	secondaryVoice string
	logger         *slog.Logger
}

// NewFallbackProvider creates a provider that tries primary first, then secondary.
func NewFallbackProvider(primary, secondary Provider, primaryVoice, secondaryVoice string, logger *slog.Logger) *FallbackProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackProvider{
		primary:        primary,
		secondary:      secondary,
		primaryVoice:   primaryVoice,
		secondaryVoice: secondaryVoice,
		logger:         logger.With("component", "tts-fallback"),
	}
}

// Synthesize tries the primary provider, falling back to secondary on failure.
func (p *FallbackProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	primaryV := voice
	if primaryV == "" {
		primaryV = p.primaryVoice
	}
	audio, mime, err := p.primary.Synthesize(ctx, text, primaryV)
	if err == nil {
		return audio, mime, nil
	}

	p.logger.Warn("primary TTS failed, trying fallback", "error", err)

	secondaryV := p.secondaryVoice
	if secondaryV == "" {
		secondaryV = voice
	}
	return p.secondary.Synthesize(ctx, text, secondaryV)
}

// SpeakableReply reports whether a reply should go out as a voice note.
// Code blocks, links, and long structured text stay as plain messages.
func SpeakableReply(text string) bool {
	if text == "" || len(text) > 1200 {
		return false
	}
	if strings.Contains(text, "```") || strings.Contains(text, "http://") || strings.Contains(text, "https://") {
		return false
	}
	// Bullet lists and tables read poorly as audio.
	lines := strings.Split(text, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") || strings.HasPrefix(trimmed, "|") {
			return false
		}
	}
	return true
}
