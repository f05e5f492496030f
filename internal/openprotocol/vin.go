package openprotocol

// -------------------------------------------------------------------------
// VIN: vehicle identification number with numeric progression
// -------------------------------------------------------------------------

// VIN is a vehicle identification number decomposed for batch progression.
//
// The wire string is always Prefix + zero-pad(Numeric, Pad). The numeric
// tail is kept as a decimal string so increments never overflow; when the
// incremented value outgrows Pad digits the field widens.
type VIN struct {
	// Prefix is the non-numeric head of the identifier.
	Prefix string

	// Numeric is the decimal tail as a string, without sign.
	Numeric string

	// Pad is the zero-padded width of the numeric tail.
	Pad int
}

// ParseVIN splits a VIN string into prefix and numeric tail.
//
// The numeric tail is the longest run of decimal digits at the end of the
// string. When the string has no numeric tail the whole string becomes the
// prefix, the numeric part is "0", and ok is false; the resulting VIN
// renders as the original string with "0" appended, matching the
// controller's fallback behavior on unparseable downloads.
func ParseVIN(s string) (VIN, bool) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return VIN{Prefix: s, Numeric: "0", Pad: 1}, false
	}
	return VIN{Prefix: s[:i], Numeric: s[i:], Pad: len(s) - i}, true
}

// String renders the VIN wire form: prefix plus zero-padded numeric tail.
func (v VIN) String() string {
	if len(v.Numeric) >= v.Pad {
		return v.Prefix + v.Numeric
	}
	pad := make([]byte, v.Pad-len(v.Numeric))
	for i := range pad {
		pad[i] = '0'
	}
	return v.Prefix + string(pad) + v.Numeric
}

// Next returns the VIN with the numeric tail incremented by one.
//
// The increment is a decimal string carry so arbitrarily long tails work;
// the width is preserved and widens on overflow (e.g. "999" -> "1000").
func (v VIN) Next() VIN {
	digits := []byte(v.Numeric)
	carry := true
	for i := len(digits) - 1; i >= 0 && carry; i-- {
		if digits[i] == '9' {
			digits[i] = '0'
		} else {
			digits[i]++
			carry = false
		}
	}
	if carry {
		digits = append([]byte{'1'}, digits...)
	}
	next := VIN{Prefix: v.Prefix, Numeric: string(digits), Pad: v.Pad}
	if len(next.Numeric) > next.Pad {
		next.Pad = len(next.Numeric)
	}
	return next
}
