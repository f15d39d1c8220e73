package mem

import (
	"errors"
	"fmt"
	"strings"

	"github.com/c35s/gkvisor/vcpu"
)

var (
	ErrOutOfRange = errors.New("mem: address out of range")
	ErrOverlap    = errors.New("mem: overlapping mapping")
	ErrInvalid    = errors.New("mem: invalid mapping")
	ErrAlloc      = errors.New("mem: allocation failed")
	ErrInstall    = errors.New("mem: install failed")
)

// Perm is a set of guest access permissions.
type Perm uint8

const (
	PermRead = Perm(1 << iota)
	PermWrite
	PermExec

	PermRWX = PermRead | PermWrite | PermExec
)

func (p Perm) String() string {
	var b strings.Builder
	for i, c := range "rwx" {
		if p&(1<<i) != 0 {
			b.WriteRune(c)
		} else {
			b.WriteByte('-')
		}
	}

	return b.String()
}

// ParsePerm parses the "rwx" form produced by String. Dashes are optional.
func ParsePerm(s string) (Perm, error) {
	var p Perm
	for _, c := range s {
		switch c {
		case 'r':
			p |= PermRead
		case 'w':
			p |= PermWrite
		case 'x':
			p |= PermExec
		case '-':
		default:
			return 0, fmt.Errorf("%w: bad permission %q", ErrInvalid, s)
		}
	}

	return p, nil
}

// Allows reports whether an access of kind a is permitted.
func (p Perm) Allows(a vcpu.Access) bool {
	switch a {
	case vcpu.AccessRead:
		return p&PermRead != 0
	case vcpu.AccessWrite:
		return p&PermWrite != 0
	case vcpu.AccessExec:
		return p&PermExec != 0
	}

	return false
}

func (p Perm) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Perm) UnmarshalText(text []byte) error {
	v, err := ParsePerm(string(text))
	if err != nil {
		return err
	}

	*p = v
	return nil
}
