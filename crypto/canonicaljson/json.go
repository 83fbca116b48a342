/* Copyright 2016-2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package canonicaljson produces the canonical JSON form used for all
// signature and commitment calculations: no insignificant whitespace, object
// keys sorted lexicographically, and the shortest possible escape sequences.
package canonicaljson

import (
	"encoding/binary"
	"fmt"
	"sort"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// CanonicalJSON re-encodes the JSON in a canonical encoding. The encoding is
// the shortest possible encoding using integer values with sorted object
// keys.
func CanonicalJSON(input []byte) ([]byte, error) {
	if !gjson.ValidBytes(input) {
		return nil, fmt.Errorf("invalid json")
	}

	return CanonicalJSONAssumeValid(input), nil
}

// CanonicalJSONAssumeValid is the same as CanonicalJSON, but assumes the
// input is valid JSON.
func CanonicalJSONAssumeValid(input []byte) []byte {
	input = CompactJSON(input, make([]byte, 0, len(input)))
	return SortJSON(input, make([]byte, 0, len(input)))
}

// SortJSON reencodes the JSON with the object keys sorted by lexicographically
// by codepoint. The input must be valid JSON.
func SortJSON(input, output []byte) []byte {
	result := gjson.ParseBytes(input)
	return sortJSONValue(result, input, output)
}

// sortJSONValue takes a gjson.Result and sorts it. inputJSON must be the
// JSON bytes the result was parsed from, and output is the buffer the sorted
// form is appended to.
func sortJSONValue(input gjson.Result, inputJSON, output []byte) []byte {
	if input.IsArray() {
		return sortJSONArray(input, inputJSON, output)
	}
	if input.IsObject() {
		return sortJSONObject(input, inputJSON, output)
	}
	// If its neither an object nor an array then there is no sub structure
	// to sort, so just append the raw input.
	return append(output, rawJSONFromResult(input, inputJSON)...)
}

func sortJSONArray(input gjson.Result, inputJSON, output []byte) []byte {
	sep := byte('[')
	input.ForEach(func(_, value gjson.Result) bool {
		output = append(output, sep)
		sep = ','
		output = sortJSONValue(value, inputJSON, output)
		return true
	})
	if sep == '[' {
		// If sep is still '[' then the array was empty and we never wrote the
		// opening bracket.
		output = append(output, sep)
	}
	return append(output, ']')
}

func sortJSONObject(input gjson.Result, inputJSON, output []byte) []byte {
	type entry struct {
		key    string // The parsed key string
		rawKey []byte // The raw, unparsed key JSON string
		value  gjson.Result
	}
	var entries []entry
	input.ForEach(func(key, value gjson.Result) bool {
		entries = append(entries, entry{
			key:    key.String(),
			rawKey: rawJSONFromResult(key, inputJSON),
			value:  value,
		})
		return true
	})
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].key < entries[b].key
	})
	sep := byte('{')
	for _, entry := range entries {
		output = append(output, sep)
		sep = ','
		output = append(output, entry.rawKey...)
		output = append(output, ':')
		output = sortJSONValue(entry.value, inputJSON, output)
	}
	if sep == '{' {
		// If sep is still '{' then the object was empty and we never wrote
		// the opening brace.
		output = append(output, sep)
	}
	return append(output, '}')
}

// rawJSONFromResult extracts the raw JSON bytes pointed to by result.
// input must be the JSON bytes that result was parsed from.
func rawJSONFromResult(result gjson.Result, input []byte) (rawJSON []byte) {
	// Per the gjson README, result.Raw is a copy of the bytes we want, but
	// it is more efficient to take a slice of the input when the index is
	// known. If Index is 0 we cannot extract it from the original bytes.
	if result.Index > 0 {
		rawJSON = input[result.Index : result.Index+len(result.Raw)]
	} else {
		rawJSON = []byte(result.Raw)
	}
	return
}

// CompactJSON makes the encoded JSON as small as possible by removing
// whitespace and unneeded unicode escapes.
func CompactJSON(input, output []byte) []byte {
	var i int
	for i < len(input) {
		c := input[i]
		i++
		// The valid whitespace characters are all less than or equal to
		// SPACE 0x20, and the valid non-whitespace characters are all
		// greater than SPACE 0x20, so we can check for whitespace by
		// comparing against SPACE 0x20.
		if c <= ' ' {
			// Skip over whitespace.
			continue
		}
		// Add the non-whitespace character to the output.
		output = append(output, c)
		if c == '"' {
			// We are inside a string.
			for i < len(input) {
				c = input[i]
				i++
				// Check if this is an escape sequence.
				if c == '\\' {
					escape := input[i]
					i++
					if escape == 'u' {
						// If this is a unicode escape then we need to handle
						// it specially.
						output, i = compactUnicodeEscape(input, output, i)
					} else if escape == '/' {
						// JSON does not require escaping '/', but allows it
						// to be escaped.
						output = append(output, '/')
					} else {
						output = append(output, c, escape)
					}
				} else {
					output = append(output, c)
				}
				if c == '"' {
					break
				}
			}
		}
	}
	return output
}

// compactUnicodeEscape unpacks a 4 byte unicode escape starting at index.
// If the escape is a surrogate pair then decode the 6 byte \uXXXX escape
// that follows. Returns the output slice and a new input index.
func compactUnicodeEscape(input, output []byte, index int) ([]byte, int) {
	const (
		ESCAPES = "uuuuuuuubtnufruuuuuuuuuuuuuuuuuu"
		HEX     = "0123456789ABCDEF"
	)
	// If there aren't enough bytes to decode the hex escape then return.
	if len(input)-index < 4 {
		return output, len(input)
	}
	// Decode the 4 hex digits.
	c := readHexDigits(input[index:])
	index += 4
	if c < ' ' {
		// If the character is less than SPACE 0x20 then it will need escaping.
		escape := ESCAPES[c]
		output = append(output, '\\', escape)
		if escape == 'u' {
			output = append(output, '0', '0', byte('0'+(c>>4)), HEX[c&0xF])
		}
	} else if c == '\\' || c == '"' {
		// Otherwise the character only needs escaping if it is a QUOTE '"'
		// or BACKSLASH '\\'.
		output = append(output, '\\', byte(c))
	} else if c < 0xD800 || c >= 0xE000 {
		// If the character isn't a surrogate pair then encode it directly as
		// UTF-8.
		var buffer [4]byte
		n := utf8.EncodeRune(buffer[:], rune(c))
		output = append(output, buffer[:n]...)
	} else {
		// Otherwise the escaped character was the first part of a UTF-16
		// style surrogate pair. The next 6 bytes MUST be a '\uXXXX'. If
		// there aren't enough bytes to decode the hex escape then return.
		if len(input)-index < 6 {
			return output, len(input)
		}
		// Decode the 4 hex digits from the '\uXXXX'.
		surrogate := readHexDigits(input[index+2:])
		index += 6
		// Reconstruct the UCS4 codepoint from the surrogates.
		codepoint := utf16.DecodeRune(rune(c), rune(surrogate))
		// Encode the character as UTF-8.
		var buffer [4]byte
		n := utf8.EncodeRune(buffer[:], codepoint)
		output = append(output, buffer[:n]...)
	}
	return output, index
}

// readHexDigits parses 4 hex digits from the input slice.
func readHexDigits(input []byte) uint32 {
	hex := binary.BigEndian.Uint32(input)
	// subtract '0'
	hex -= 0x30303030
	// strip the higher bits, maps 'a' => 'A'
	hex &= 0x1f1f1f1f
	mask := hex & 0x10101010
	// subtract 'A' - 10 - '9' - 9 = 7 from the letters.
	hex -= mask >> 1
	hex += mask >> 4
	// collect the nibbles
	hex |= hex >> 4
	hex &= 0xff00ff
	hex |= hex >> 8
	return hex & 0xffff
}
