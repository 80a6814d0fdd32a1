package blockmatmul

import (
	"fmt"
	"strings"
)

// Mode selects how the quantised result is produced.
type Mode string

const (
	// ModeFused quantises each tile right after accumulation.
	ModeFused Mode = "fused"
	// ModeUnfused writes a half-precision product first and quantises it in
	// a second launch.
	ModeUnfused Mode = "unfused"
)

// DefaultMode is used when Options.Mode is empty. It can be set at build
// time with -ldflags "-X github.com/samcharles93/blockquant/internal/blockmatmul.DefaultMode=unfused".
var DefaultMode = string(ModeFused)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeFused:
		return ModeFused, nil
	case ModeUnfused:
		return ModeUnfused, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want %q or %q)", s, ModeFused, ModeUnfused)
	}
}

func (m Mode) String() string {
	return string(m)
}
