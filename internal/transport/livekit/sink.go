package livekit

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// AudioSink plays remote audio for the host. Packets carry Opus frames as
// received; the sink owns decoding and must apply gain on output.
type AudioSink interface {
	OpenTrack(trackID string, gain float64) (PacketWriter, error)
}

// PacketWriter consumes one remote track. *oggwriter.OggWriter satisfies it.
type PacketWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

const (
	opusSampleRate   = 48000
	opusChannelCount = 2
)

// OggRecorder writes each remote track to <Dir>/<track>-<millis>.ogg.
// Gain is stored in the Opus header output gain, which players apply on decode.
type OggRecorder struct {
	Dir string
	now func() time.Time
}

func NewOggRecorder(dir string) *OggRecorder {
	return &OggRecorder{Dir: dir, now: time.Now}
}

func (o *OggRecorder) OpenTrack(trackID string, gain float64) (PacketWriter, error) {
	if o.Dir == "" {
		return nil, fmt.Errorf("livekit: recorder dir is required")
	}
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("livekit: recorder dir: %w", err)
	}
	now := o.now
	if now == nil {
		now = time.Now
	}
	name := filepath.Join(o.Dir, fmt.Sprintf("%s-%d.ogg", fileSafe(trackID), now().UnixMilli()))
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("livekit: create recording: %w", err)
	}
	w, err := oggwriter.NewWith(&gainWriter{w: f, gain: opusOutputGain(gain)}, opusSampleRate, opusChannelCount)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("livekit: ogg writer: %w", err)
	}
	return w, nil
}

func fileSafe(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "track"
	}
	return s
}

// opusOutputGain converts a linear gain to the Q7.8 dB value of an OpusHead.
func opusOutputGain(gain float64) int16 {
	if gain <= 0 || gain == 1 {
		return 0
	}
	q := math.Round(20 * math.Log10(gain) * 256)
	return int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, q)))
}

// gainWriter rewrites the output gain of the first Ogg page when it is an
// OpusHead page, then passes everything through.
type gainWriter struct {
	w       io.WriteCloser
	gain    int16
	patched bool
}

func (g *gainWriter) Write(p []byte) (int, error) {
	if !g.patched {
		g.patched = true
		if g.gain != 0 && isOpusIDPage(p) {
			page := append([]byte(nil), p...)
			binary.LittleEndian.PutUint16(page[44:46], uint16(g.gain))
			binary.LittleEndian.PutUint32(page[22:26], 0)
			binary.LittleEndian.PutUint32(page[22:26], oggChecksum(page))
			if _, err := g.w.Write(page); err != nil {
				return 0, err
			}
			return len(p), nil
		}
	}
	return g.w.Write(p)
}

func (g *gainWriter) Close() error { return g.w.Close() }

// isOpusIDPage matches a single-segment page whose body is a 19 byte OpusHead.
func isOpusIDPage(p []byte) bool {
	return len(p) >= 47 &&
		string(p[:4]) == "OggS" &&
		p[26] == 1 && p[27] == 19 &&
		string(p[28:36]) == "OpusHead"
}

var oggCRCTable = func() (t [256]uint32) {
	const poly = 0x04c11db7
	for i := range t {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = r<<1 ^ poly
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

// oggChecksum is the Ogg page CRC; the checksum field must be zeroed first.
func oggChecksum(page []byte) uint32 {
	var crc uint32
	for _, b := range page {
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}
