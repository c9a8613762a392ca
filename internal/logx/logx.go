// Package logx is a tiny structured-logging helper shared by the channel
// fabric and swarm packages. It standardizes the component=X action=Y
// key=value convention used throughout this codebase without pulling in a
// logging framework, mirroring the teacher's inline log.Printf call sites.
package logx

import (
	"fmt"
	"log"
	"strings"
)

// Logger prefixes every line with component=<name>.
type Logger struct {
	component string
}

// New creates a Logger for the given component name, e.g. "channels.server".
func New(component string) Logger {
	return Logger{component: component}
}

// Log writes one line: component=<c> action=<action> k1=v1 k2=v2 ...
// kv must alternate key, value, key, value.
func (l Logger) Log(action string, kv ...any) {
	var b strings.Builder
	fmt.Fprintf(&b, "component=%s action=%s", l.component, action)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	log.Print(b.String())
}
