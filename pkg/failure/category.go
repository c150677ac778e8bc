package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the closed set of ways an engine invocation can fail.
type Category string

const (
	DBAccessCollision     Category = "DBAccessCollision"
	ObjectReferenceFault  Category = "ObjectReferenceFault"
	InputFileMissing      Category = "InputFileMissing"
	GenericCommandFailure Category = "GenericCommandFailure"
)

// Sentinel errors, one per category. EngineError unwraps to these.
var (
	ErrDBAccessCollision = errors.New("engine local storage is locked by another process")
	ErrObjectReference   = errors.New("engine hit a null object reference")
	ErrInputFileMissing  = errors.New("input file does not exist")
	ErrCommandFailure    = errors.New("engine command failed")
)

// Categories returns every known category in classification order.
func Categories() []Category {
	return []Category{DBAccessCollision, ObjectReferenceFault, InputFileMissing, GenericCommandFailure}
}

// Valid reports whether c belongs to the closed category set.
func (c Category) Valid() bool {
	switch c {
	case DBAccessCollision, ObjectReferenceFault, InputFileMissing, GenericCommandFailure:
		return true
	default:
		return false
	}
}

// Err maps a category to its sentinel error.
func (c Category) Err() error {
	switch c {
	case DBAccessCollision:
		return ErrDBAccessCollision
	case ObjectReferenceFault:
		return ErrObjectReference
	case InputFileMissing:
		return ErrInputFileMissing
	default:
		return ErrCommandFailure
	}
}

func (c Category) String() string {
	return string(c)
}

// ParseCategory accepts a category name, case-insensitively.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories() {
		if strings.EqualFold(string(c), strings.TrimSpace(s)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown failure category %q", s)
}

// signature is a set of fragments that must all appear in the diagnostic text.
type signature struct {
	category  Category
	fragments []string
}

var signatures = []signature{
	{
		category: DBAccessCollision,
		fragments: []string{
			"being used by another process",
			"process cannot access the file",
		},
	},
	{
		category:  ObjectReferenceFault,
		fragments: []string{"Object reference not set to an instance of an object"},
	},
}

func (s signature) matches(text string) bool {
	for _, f := range s.fragments {
		if !strings.Contains(text, f) {
			return false
		}
	}
	return true
}

// Classify maps the engine's diagnostic stream to exactly one category.
// Text matching no signature is a GenericCommandFailure.
func Classify(diagnostic string) Category {
	for _, s := range signatures {
		if s.matches(diagnostic) {
			return s.category
		}
	}
	return GenericCommandFailure
}
