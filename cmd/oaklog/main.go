// Command oaklog acquires synchronized color, depth and detection bundles
// from a depth camera and records them to disk and a live viewer.
package main

import "os"

func main() {
	os.Exit(execute())
}
