// Package ustr is a byte-slice string type for paths and filenames
// crossing the user/kernel boundary, avoiding the repeated copies a
// plain Go string would force on every comparison.
package ustr

import "github.com/cloudwego/gopkg/unsafex"

/// Ustr is an immutable-by-convention byte string.
type Ustr []uint8

/// Isdot reports whether the string equals ".".
func (us Ustr) Isdot() bool {
	return len(us) == 1 && us[0] == '.'
}

/// Isdotdot reports whether the string equals "..".
func (us Ustr) Isdotdot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

/// Eq compares two Ustr values byte-for-byte.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

/// MkUstr returns an empty Ustr.
func MkUstr() Ustr { return Ustr{} }

/// MkUstrDot returns a Ustr representing ".".
func MkUstrDot() Ustr { return Ustr(".") }

/// MkUstrRoot returns a Ustr representing "/".
func MkUstrRoot() Ustr { return Ustr("/") }

/// DotDot is a reusable Ustr containing "..".
var DotDot = Ustr{'.', '.'}

/// MkUstrSlice truncates buf at its first NUL byte.
func MkUstrSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[:i]
		}
	}
	return buf
}

/// Extend appends '/' and p.
func (us Ustr) Extend(p Ustr) Ustr {
	tmp := make(Ustr, len(us))
	copy(tmp, us)
	r := append(tmp, '/')
	return append(r, p...)
}

/// ExtendStr appends '/' and p given as a plain string.
func (us Ustr) ExtendStr(p string) Ustr {
	return us.Extend(Ustr(p))
}

/// IsAbsolute reports whether the path begins with '/'.
func (us Ustr) IsAbsolute() bool {
	return len(us) > 0 && us[0] == '/'
}

/// IndexByte returns the index of b, or -1 if absent.
func (us Ustr) IndexByte(b uint8) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

/// String renders the Ustr as a Go string without copying the
/// underlying bytes.
func (us Ustr) String() string {
	return unsafex.BinaryToString(us)
}

/// FromString builds a Ustr that aliases s's bytes without copying.
func FromString(s string) Ustr {
	return unsafex.StringToBinary(s)
}
