package ioloop

import "strings"

// Event is a set of socket readiness conditions.
type Event uint8

const (
	EventRead Event = 1 << iota
	EventWrite
	EventError
)

func (e Event) String() string {
	var parts []string
	if e&EventRead != 0 {
		parts = append(parts, "READ")
	}
	if e&EventWrite != 0 {
		parts = append(parts, "WRITE")
	}
	if e&EventError != 0 {
		parts = append(parts, "ERROR")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}
