package canonical

import (
	"fmt"
	"strings"
)

// maxShift bounds the exponent magnitude a number may carry. Expansion to
// plain decimal pads with zeros, so an unbounded exponent would let a tiny
// input allocate arbitrarily large output.
const maxShift = 4096

// normalizeNumber rewrites JSON number text into canonical form: scientific
// notation expanded to plain decimal, trailing fractional zeros trimmed,
// integers emitted without a decimal point, negative zero collapsed to "0".
// Text that is not a finite decimal number is rejected with ErrInvalidNumber.
func normalizeNumber(text string) (string, error) {
	s := text
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}

	intPart, rest := takeDigits(s)
	if intPart == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, text)
	}

	fracPart := ""
	if strings.HasPrefix(rest, ".") {
		fracPart, rest = takeDigits(rest[1:])
		if fracPart == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidNumber, text)
		}
	}

	exp := 0
	if len(rest) > 0 && (rest[0] == 'e' || rest[0] == 'E') {
		rest = rest[1:]
		expNeg := false
		if strings.HasPrefix(rest, "-") {
			expNeg = true
			rest = rest[1:]
		} else if strings.HasPrefix(rest, "+") {
			rest = rest[1:]
		}
		digits, tail := takeDigits(rest)
		if digits == "" || tail != "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidNumber, text)
		}
		rest = tail
		for _, d := range digits {
			exp = exp*10 + int(d-'0')
			if exp > maxShift {
				return "", fmt.Errorf("%w: exponent out of range in %q", ErrInvalidNumber, text)
			}
		}
		if expNeg {
			exp = -exp
		}
	}
	if rest != "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, text)
	}

	mantissa := intPart + fracPart
	if strings.Trim(mantissa, "0") == "" {
		return "0", nil
	}

	// Position of the decimal point inside mantissa after the exponent shift.
	point := len(intPart) + exp

	var whole, frac string
	switch {
	case point <= 0:
		whole = "0"
		frac = strings.Repeat("0", -point) + mantissa
	case point >= len(mantissa):
		whole = mantissa + strings.Repeat("0", point-len(mantissa))
		frac = ""
	default:
		whole = mantissa[:point]
		frac = mantissa[point:]
	}

	whole = strings.TrimLeft(whole, "0")
	if whole == "" {
		whole = "0"
	}
	frac = strings.TrimRight(frac, "0")

	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out, nil
}

func takeDigits(s string) (digits, rest string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i], s[i:]
}
