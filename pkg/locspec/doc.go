// Package locspec implements code to parse a string into a specific
// location specification.
//
// Location spec examples:
//
// locStr ::= <filename>:<line> | <function> | <line> | *<address>
// * <filename> can be the full path of a file or just a suffix
// * <line> returns a location for a line in the file declaring main
// * *<address> is a hexadecimal address, with or without the 0x prefix
package locspec
