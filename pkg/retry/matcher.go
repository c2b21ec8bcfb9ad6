package retry

import (
	"errors"

	"github.com/kode4food/cascade/pkg/api"
)

type (
	// Matcher selects errors for a retry allow or deny list
	Matcher interface {
		Matches(err error) bool
	}

	// MatcherFunc adapts a predicate into a Matcher
	MatcherFunc func(err error) bool

	kindMatcher []api.ErrorKind

	isMatcher struct {
		target error
	}
)

// Kind matches errors tagged with any of the given kinds
func Kind(kinds ...api.ErrorKind) Matcher {
	return kindMatcher(kinds)
}

// Is matches errors for which errors.Is(err, target) holds
func Is(target error) Matcher {
	return isMatcher{target: target}
}

// Func matches errors for which pred returns true
func Func(pred func(error) bool) Matcher {
	return MatcherFunc(pred)
}

func (f MatcherFunc) Matches(err error) bool {
	return f(err)
}

func (m kindMatcher) Matches(err error) bool {
	kind := api.KindOf(err)
	if kind == "" {
		return false
	}
	for _, k := range m {
		if k == kind {
			return true
		}
	}
	return false
}

func (m isMatcher) Matches(err error) bool {
	return errors.Is(err, m.target)
}
