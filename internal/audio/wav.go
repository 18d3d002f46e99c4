package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"time"
)

const wavHeaderSize = 44

var ErrNotWAV = errors.New("not a RIFF/WAVE payload")

// Clip is PCM16LE audio with its format.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)
	fields := []any{
		[]byte("RIFF"), uint32(36) + dataSize, []byte("WAVE"),
		[]byte("fmt "), uint32(16), uint16(audioFormat), uint16(numChannels),
		uint32(sampleRate), byteRate, blockAlign, uint16(bitsPerSample),
		[]byte("data"), dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAV extracts the PCM16 data chunk from a WAV payload. Chunks other than
// "fmt " and "data" are skipped.
func DecodeWAV(raw []byte) (Clip, error) {
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return Clip{}, ErrNotWAV
	}
	var clip Clip
	var bits uint16
	pos := 12
	for pos+8 <= len(raw) {
		id := string(raw[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(raw[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(raw) {
			end = len(raw)
		}
		switch id {
		case "fmt ":
			if end-body < 16 {
				return Clip{}, errors.New("wav fmt chunk too short")
			}
			clip.Channels = int(binary.LittleEndian.Uint16(raw[body+2 : body+4]))
			clip.SampleRate = int(binary.LittleEndian.Uint32(raw[body+4 : body+8]))
			bits = binary.LittleEndian.Uint16(raw[body+14 : body+16])
		case "data":
			clip.PCM = raw[body:end]
		}
		pos = body + size + size%2
	}
	if clip.SampleRate <= 0 {
		return Clip{}, errors.New("wav missing fmt chunk")
	}
	if bits != 16 {
		return Clip{}, errors.New("wav is not 16-bit PCM")
	}
	return clip, nil
}

// Duration is the playback length of the clip.
func (c Clip) Duration() time.Duration {
	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}
	if c.SampleRate <= 0 {
		return 0
	}
	samples := len(c.PCM) / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// RMS returns the root-mean-square level of the samples normalized to [0, 1].
func (c Clip) RMS() float64 {
	n := len(c.PCM) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(c.PCM[2*i:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// MaxPayloadBytes is the largest PCM16 mono payload (WAV header included) that
// plays for at most d at sampleRate.
func MaxPayloadBytes(sampleRate int, d time.Duration) int {
	if sampleRate <= 0 || d <= 0 {
		return 0
	}
	return wavHeaderSize + samplesFor(sampleRate, d)*2
}

func samplesFor(sampleRate int, d time.Duration) int {
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}

// Tone renders a PCM16LE mono sine wave, used for synthetic speech output.
func Tone(sampleRate int, freq float64, d time.Duration, amplitude float64) []byte {
	n := samplesFor(sampleRate, d)
	pcm := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v*32767)))
	}
	return pcm
}
