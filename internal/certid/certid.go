package certid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Certificate identifiers are 7 decimal digits laid out as YYSSCCC:
// two year digits (2000 offset), two sub-program digits, three serial digits.
const Length = 7

var (
	ErrInvalidFormat     = errors.New("certificate id must be exactly 7 digits")
	ErrInvalidYear       = errors.New("certificate year is out of range")
	ErrInvalidSubProgram = errors.New("certificate sub-program is out of range")
	ErrInvalidSerial     = errors.New("certificate serial is out of range")
)

const (
	minYearDigits = 20
	maxYearDigits = 99
	minSubProgram = 0
	maxSubProgram = 99
	minSerial     = 1
	// Inherited bound. Three serial digits cap representable values at 999,
	// so anything above never occurs on the wire; the check stays as specified.
	maxSerial = 9999
)

// programs maps sub-program category codes to their display labels.
// Codes outside the table are legal on the wire but carry no label.
var programs = map[string]string{
	"00": "Main Club",
	"01": "Online Chapter",
	"02": "Bootcamp",
	"03": "Advanced Track",
}

// Decoded is the structured form of a certificate identifier.
type Decoded struct {
	Year          int    `json:"year"`
	YearDigits    string `json:"year_digits"`
	SubProgram    string `json:"sub_program"`
	Serial        string `json:"serial"`
	SerialDisplay string `json:"serial_display"`
	Program       string `json:"program,omitempty"`
}

// Normalize uppercases and trims a raw identifier before validation.
// Uppercasing is a no-op for an all-digit id; kept so lookups stay
// canonical if the format ever grows letters.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Decode slices a 7-digit identifier into its fields. It is total over
// well-formed input: callers run Validate first.
func Decode(id string) Decoded {
	yearDigits := id[0:2]
	subProgram := id[2:4]
	serial := id[4:7]

	year, _ := strconv.Atoi(yearDigits)
	display := strings.TrimLeft(serial, "0")
	if display == "" {
		display = "0"
	}

	return Decoded{
		Year:          2000 + year,
		YearDigits:    yearDigits,
		SubProgram:    subProgram,
		Serial:        serial,
		SerialDisplay: display,
		Program:       programs[subProgram],
	}
}

// Encode reconstructs the canonical 7-digit string from a decoded triple.
func (d Decoded) Encode() string {
	return d.YearDigits + d.SubProgram + d.Serial
}

// ProgramLabel returns the display label for a category code, if mapped.
func ProgramLabel(code string) (string, bool) {
	label, ok := programs[code]
	return label, ok
}

// Validate applies the format and range rules in order; the first
// violated rule wins.
func Validate(raw string) error {
	id := Normalize(raw)
	if len(id) != Length {
		return fmt.Errorf("%w: got %d characters", ErrInvalidFormat, len(id))
	}
	if !allDigits(id) {
		return fmt.Errorf("%w: contains non-digit characters", ErrInvalidFormat)
	}

	d := Decode(id)

	year, _ := strconv.Atoi(d.YearDigits)
	if year < minYearDigits || year > maxYearDigits {
		return fmt.Errorf("%w: year digits %s represent %d", ErrInvalidYear, d.YearDigits, 2000+year)
	}

	sub, _ := strconv.Atoi(d.SubProgram)
	if sub < minSubProgram || sub > maxSubProgram {
		return fmt.Errorf("%w: sub-program %s", ErrInvalidSubProgram, d.SubProgram)
	}

	serial, _ := strconv.Atoi(d.Serial)
	if serial < minSerial || serial > maxSerial {
		return fmt.Errorf("%w: serial %s", ErrInvalidSerial, d.Serial)
	}

	return nil
}

func allDigits(id string) bool {
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}
