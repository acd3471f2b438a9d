// Package audio provides the PCM16/WAV framing helpers used on the
// WebSocket boundary: wrapping raw PCM into independently playable WAV
// chunks, detecting sample rates from incoming WAV headers, and the
// base64 codecs for JSON frames.
package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
)

const wavHeaderSize = 44

// PCM16ToWAV wraps raw PCM16 samples in a standard RIFF/WAVE header.
// sampleWidth is fixed at 2 bytes (16-bit).
func PCM16ToWAV(pcm []byte, sampleRate, channels int) []byte {
	if channels <= 0 {
		channels = 1
	}
	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * channels * 2)
	blockAlign := uint16(channels * 2)

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, dataSize+36)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(16)) // bits per sample
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
	buf.Write(pcm)
	return buf.Bytes()
}

// IsWAV reports whether payload starts with a RIFF/WAVE magic.
func IsWAV(payload []byte) bool {
	return len(payload) >= 12 &&
		bytes.Equal(payload[:4], []byte("RIFF")) &&
		bytes.Equal(payload[8:12], []byte("WAVE"))
}

// WAVSampleRate reads the sample rate field from a WAV header.
// Returns 0 when payload is not a readable WAV.
func WAVSampleRate(payload []byte) int {
	if !IsWAV(payload) || len(payload) < 28 {
		return 0
	}
	rate := binary.LittleEndian.Uint32(payload[24:28])
	if rate == 0 || rate > 1<<31 {
		return 0
	}
	return int(rate)
}

// StripEmptyWAVHeader removes a header-only WAV prefix (44 bytes with
// riff_size=36 and data_size=0). Some streaming synthesizers emit such a
// frame first and follow it with raw PCM; transport chunking can glue the
// two together. The second return value reports whether a strip happened.
// Stripping is idempotent: a stripped payload no longer matches.
func StripEmptyWAVHeader(payload []byte) ([]byte, bool) {
	if !IsWAV(payload) || len(payload) < wavHeaderSize {
		return payload, false
	}
	riffSize := binary.LittleEndian.Uint32(payload[4:8])
	dataSize := binary.LittleEndian.Uint32(payload[40:44])
	if riffSize == 36 && dataSize == 0 {
		return payload[wavHeaderSize:], true
	}
	return payload, false
}

// ToPlayableWAV normalizes one stream chunk so every outbound payload is an
// independently playable WAV:
//   - a well-formed WAV passes through untouched,
//   - a header-only WAV prefix is stripped and the remainder treated as PCM,
//   - raw PCM16 is wrapped, carrying any odd trailing byte to the next call.
//
// Returns the playable chunk (possibly empty) and the carry for the next call.
func ToPlayableWAV(chunk []byte, sampleRate, channels int, carry []byte) ([]byte, []byte) {
	if len(chunk) == 0 {
		return nil, carry
	}

	stripped, wasEmptyHeader := StripEmptyWAVHeader(chunk)
	if wasEmptyHeader {
		chunk = stripped
		if len(chunk) == 0 {
			return nil, nil
		}
	} else if IsWAV(chunk) {
		return chunk, nil
	}

	pcm := append(append([]byte{}, carry...), chunk...)
	if len(pcm) < 2 {
		return nil, pcm
	}

	var nextCarry []byte
	if len(pcm)%2 == 1 {
		nextCarry = pcm[len(pcm)-1:]
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return nil, nextCarry
	}
	return PCM16ToWAV(pcm, sampleRate, channels), nextCarry
}

// EncodeBase64 encodes outbound audio payloads for JSON frames.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes a base64 audio payload from a JSON frame.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
