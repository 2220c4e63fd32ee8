package server

import (
	"github.com/davecgh/go-spew/spew"
)

// dumpf renders v for a test failure message. Used where a plain %v on a
// packets.Packet pointer would just print an address.
func dumpf(v interface{}) string {
	return spew.Sdump(v)
}
