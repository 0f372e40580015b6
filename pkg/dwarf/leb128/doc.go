// Package leb128 decodes the variable length integers used by
// DWARF location expressions (DWARF v4, section 7.6).
package leb128
