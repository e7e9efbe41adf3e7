package sequence

import (
	"bytes"
	"strings"
)

// Demo lump layout constants.
const (
	demoVersion    byte = 109
	skillEasiest   byte = 0
	demoTerminator byte = 0x80
	headerSize          = 13
	ticSize             = 4

	// DefaultTicsPerToken spreads one token over 16 tics; a full turn token
	// then rotates exactly 90 degrees.
	DefaultTicsPerToken = 16

	forwardSpeed int8 = 50
	turnStep     int8 = 4 // angleturn high byte; 16 tics * 4<<8 = 0x4000

	buttonAttack byte = 1 << 0
	buttonUse    byte = 1 << 1

	// useHold is how many times an action-b token is repeated before expansion.
	useHold = 3
)

// tic is one per-tic input record.
type tic struct {
	forward   int8
	side      int8
	angleturn int8
	buttons   byte
}

func ticFor(c byte) tic {
	switch c {
	case Forward:
		return tic{forward: forwardSpeed}
	case Back:
		return tic{forward: -forwardSpeed}
	case TurnLeft:
		return tic{angleturn: turnStep}
	case TurnRight:
		return tic{angleturn: -turnStep}
	case ActionA:
		return tic{buttons: buttonAttack}
	case ActionB:
		return tic{buttons: buttonUse}
	}
	return tic{}
}

// Encoder builds replay buffers.
type Encoder struct {
	TicsPerToken int
}

// NewEncoder returns an encoder; non-positive values use DefaultTicsPerToken.
func NewEncoder(ticsPerToken int) *Encoder {
	if ticsPerToken <= 0 {
		ticsPerToken = DefaultTicsPerToken
	}
	return &Encoder{TicsPerToken: ticsPerToken}
}

// Encode produces the demo lump for delta tokens played from (episode, mapNum).
// Action-b tokens are held three times as long as the others. The output is a
// pure function of the arguments.
func (e *Encoder) Encode(delta string, episode, mapNum int) []byte {
	expanded := strings.ReplaceAll(delta, string(ActionB), strings.Repeat(string(ActionB), useHold))

	var buf bytes.Buffer
	buf.Grow(headerSize + len(expanded)*e.TicsPerToken*ticSize + 1)

	buf.Write([]byte{
		demoVersion,
		skillEasiest,
		byte(episode),
		byte(mapNum),
		0, // deathmatch
		0, // respawn
		0, // fast
		0, // nomonsters
		0, // consoleplayer
		1, 0, 0, 0, // playeringame
	})

	for i := 0; i < len(expanded); i++ {
		t := ticFor(expanded[i])
		rec := [ticSize]byte{byte(t.forward), byte(t.side), byte(t.angleturn), t.buttons}
		for n := 0; n < e.TicsPerToken; n++ {
			buf.Write(rec[:])
		}
	}

	buf.WriteByte(demoTerminator)
	return buf.Bytes()
}

// EncodedLen returns the buffer size Encode produces for delta.
func (e *Encoder) EncodedLen(delta string) int {
	chars := len(delta) + strings.Count(delta, string(ActionB))*(useHold-1)
	return headerSize + chars*e.TicsPerToken*ticSize + 1
}
