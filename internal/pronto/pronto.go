// Package pronto converts Pronto hex IR codes to the Broadlink pulse
// format accepted by RM devices.
package pronto

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidCode is returned for input that is not a learned Pronto code.
var ErrInvalidCode = errors.New("pronto: invalid code")

const (
	// prontoClock is the Pronto carrier clock period in microseconds.
	prontoClock = 0.241246

	// Broadlink pulse units are 269/8192 of a microsecond count.
	tickNumerator   = 269
	tickDenominator = 8192

	irPacketType = 0x26
	blockSize    = 16
)

var packetTrailer = []byte{0x0d, 0x05}

// Converter implements broadlink.Converter.
type Converter struct{}

// Convert returns the hex Broadlink packet for a Pronto code, or false if
// the code cannot be converted.
func (Converter) Convert(code string) (string, bool) {
	packet, err := ToBroadlink(code)
	if err != nil {
		return "", false
	}
	return hex.EncodeToString(packet), true
}

// ToBroadlink converts a Pronto code such as "0000 006D 0022 0002 ..." to
// a Broadlink IR packet padded for AES block alignment.
func ToBroadlink(code string) ([]byte, error) {
	pulses, err := Pulses(code)
	if err != nil {
		return nil, err
	}
	return encode(pulses)
}

// Pulses decodes a Pronto code into pulse widths in microseconds.
func Pulses(code string) ([]int, error) {
	words, err := parseWords(code)
	if err != nil {
		return nil, err
	}
	if len(words) < 4 {
		return nil, fmt.Errorf("%w: preamble too short", ErrInvalidCode)
	}
	if words[0] != 0 {
		return nil, fmt.Errorf("%w: only learned codes (0000) are supported", ErrInvalidCode)
	}
	if words[1] == 0 {
		return nil, fmt.Errorf("%w: zero carrier frequency", ErrInvalidCode)
	}
	want := 4 + 2*(int(words[2])+int(words[3]))
	if len(words) != want {
		return nil, fmt.Errorf("%w: %d words, preamble declares %d", ErrInvalidCode, len(words), want)
	}

	period := float64(words[1]) * prontoClock
	pulses := make([]int, 0, len(words)-4)
	for _, w := range words[4:] {
		pulses = append(pulses, int(math.Round(float64(w)*period)))
	}
	return pulses, nil
}

func parseWords(code string) ([]uint16, error) {
	fields := strings.Fields(code)
	if len(fields) == 1 {
		// Compact form without separators.
		compact := fields[0]
		if len(compact)%4 != 0 {
			return nil, fmt.Errorf("%w: length %d is not a multiple of 4", ErrInvalidCode, len(compact))
		}
		fields = fields[:0]
		for i := 0; i < len(compact); i += 4 {
			fields = append(fields, compact[i:i+4])
		}
	}

	words := make([]uint16, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidCode, f, err)
		}
		words = append(words, uint16(v))
	}
	return words, nil
}

// encode builds the Broadlink IR packet for pulses given in microseconds.
// Pulses longer than a 16-bit tick count, or bodies longer than the 16-bit
// length field, are rejected.
func encode(pulses []int) ([]byte, error) {
	var body []byte
	for i, p := range pulses {
		ticks := p * tickNumerator / tickDenominator
		if ticks < 256 {
			body = append(body, byte(ticks))
			continue
		}
		if ticks > math.MaxUint16 {
			return nil, fmt.Errorf("%w: pulse %d is %d ticks, above %d", ErrInvalidCode, i, ticks, math.MaxUint16)
		}
		body = append(body, 0x00)
		body = binary.BigEndian.AppendUint16(body, uint16(ticks))
	}
	if len(body) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d byte body exceeds the length field", ErrInvalidCode, len(body))
	}

	packet := []byte{irPacketType, 0x00}
	packet = binary.LittleEndian.AppendUint16(packet, uint16(len(body)))
	packet = append(packet, body...)
	packet = append(packet, packetTrailer...)

	// The device prepends a 4-byte header before encrypting.
	if rem := (len(packet) + 4) % blockSize; rem != 0 {
		packet = append(packet, make([]byte, blockSize-rem)...)
	}
	return packet, nil
}
