package message

import (
	"errors"
	"fmt"
	"strings"
)

// Verb is the CRUD action half of an operation tag.
type Verb string

const (
	VerbRead   Verb = "read"
	VerbCreate Verb = "create"
	VerbUpdate Verb = "update"
	VerbDelete Verb = "delete"
	VerbUpsert Verb = "upsert" // create and update both travel as upsert
)

var ErrInvalidOp = errors.New("invalid operation")

// NormalizeVerb collapses create and update into upsert so the server never has to
// tell an insert from an update.
func NormalizeVerb(v Verb) Verb {
	if v == VerbCreate || v == VerbUpdate {
		return VerbUpsert
	}
	return v
}

func (v Verb) valid() bool {
	switch v {
	case VerbRead, VerbCreate, VerbUpdate, VerbDelete, VerbUpsert:
		return true
	}
	return false
}

// Op is a parsed operation tag.
type Op struct {
	Base string // Resource base path, e.g. "/api/tasks"
	Verb Verb
}

func (o Op) String() string {
	return o.Base + ":" + string(o.Verb)
}

// OpTag derives the transmitted operation tag for a request on base.
func OpTag(base string, verb Verb) string {
	return base + ":" + string(NormalizeVerb(verb))
}

// Channel is the push-event name a collection on base subscribes to for verb.
func Channel(base string, verb Verb) string {
	return base + ":" + string(verb)
}

// ParseOp splits "<base>:<verb>" on the last colon and normalizes the verb.
func ParseOp(tag string) (Op, error) {
	i := strings.LastIndexByte(tag, ':')
	if i <= 0 || i == len(tag)-1 {
		return Op{}, fmt.Errorf("%w: %q", ErrInvalidOp, tag)
	}
	verb := Verb(tag[i+1:])
	if !verb.valid() {
		return Op{}, fmt.Errorf("%w: unknown verb %q", ErrInvalidOp, verb)
	}
	return Op{Base: tag[:i], Verb: NormalizeVerb(verb)}, nil
}
