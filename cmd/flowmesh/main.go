// Package main provides the entry point for the flowmesh runtime CLI.
package main

func main() {
	Execute()
}
