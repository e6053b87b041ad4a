// Package main is the coderun command line tool.
//
// It runs a single snippet through the same sandbox the server uses and
// prints the result as JSON, asks the code assistant to generate or
// optimize code, and prints the effective configuration.
//
// Usage:
//
//	coderun run --lang cpp main.cpp
//	coderun generate "sum the numbers from 1 to 100"
//	coderun config
package main
