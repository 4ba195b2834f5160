package textdecode

import (
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// Destinations whose content is metadata, not body text.
var rtfSkipDestinations = map[string]bool{
	"fonttbl":    true,
	"colortbl":   true,
	"stylesheet": true,
	"info":       true,
	"pict":       true,
	"header":     true,
	"footer":     true,
	"listtable":  true,
	"object":     true,
}

var rtfControlText = map[string]string{
	"par":       "\n",
	"line":      "\n",
	"sect":      "\n",
	"page":      "\n",
	"row":       "\n",
	"tab":       "\t",
	"cell":      "\t",
	"emdash":    "—",
	"endash":    "–",
	"bullet":    "•",
	"lquote":    "‘",
	"rquote":    "’",
	"ldblquote": "“",
	"rdblquote": "”",
}

// decodeRTF strips control words and groups, keeping body text. Hex escapes
// (\'hh) are decoded as Windows-1252, \uN as Unicode with its fallback skipped.
func decodeRTF(data []byte) string {
	src := string(data)
	var out strings.Builder

	type group struct {
		skip   bool
		ucSkip int
	}
	stack := []group{{ucSkip: 1}}
	pendingSkip := 0

	emit := func(s string) {
		if stack[len(stack)-1].skip {
			return
		}
		out.WriteString(s)
	}

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch c {
		case '{':
			stack = append(stack, stack[len(stack)-1])
		case '}':
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case '\r', '\n':
		case '\\':
			if i+1 >= len(src) {
				break
			}
			next := src[i+1]
			switch {
			case next == '\\' || next == '{' || next == '}':
				if pendingSkip > 0 {
					pendingSkip--
				} else {
					emit(string(next))
				}
				i++
			case next == '\'':
				if i+3 < len(src) {
					if b, err := strconv.ParseUint(src[i+2:i+4], 16, 8); err == nil {
						if pendingSkip > 0 {
							pendingSkip--
						} else {
							emit(string(charmap.Windows1252.DecodeByte(byte(b))))
						}
					}
				}
				i += 3
			case next == '*':
				stack[len(stack)-1].skip = true
				i++
			case next == '~':
				emit(" ")
				i++
			case isASCIILetter(next):
				j := i + 1
				for j < len(src) && isASCIILetter(src[j]) {
					j++
				}
				word := src[i+1 : j]
				k := j
				if k < len(src) && (src[k] == '-' || isDigit(src[k])) {
					k++
					for k < len(src) && isDigit(src[k]) {
						k++
					}
				}
				param := src[j:k]
				if k < len(src) && src[k] == ' ' {
					k++
				}
				i = k - 1

				switch {
				case rtfSkipDestinations[word]:
					stack[len(stack)-1].skip = true
				case word == "uc":
					if n, err := strconv.Atoi(param); err == nil {
						stack[len(stack)-1].ucSkip = n
					}
				case word == "u":
					if n, err := strconv.Atoi(param); err == nil {
						if n < 0 {
							n += 65536
						}
						emit(string(rune(n)))
						pendingSkip = stack[len(stack)-1].ucSkip
					}
				default:
					if s, ok := rtfControlText[word]; ok {
						emit(s)
					}
				}
			default:
				i++
			}
		default:
			if pendingSkip > 0 {
				pendingSkip--
				continue
			}
			emit(string(c))
		}
	}
	return out.String()
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
